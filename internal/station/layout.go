package station

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultBudget is the number of stations that can draw power at once.
const DefaultBudget = 3

// Layout describes the stations aboard the vessel and the power budget. A
// zero Budget is honoured: no switchable station can be powered.
type Layout struct {
	Budget   int      `yaml:"budget"`
	Stations []Config `yaml:"stations"`
}

// DefaultLayout is used when no layout file is configured.
func DefaultLayout() Layout {
	return Layout{
		Budget: DefaultBudget,
		Stations: []Config{
			{ID: PowerRouting, AlwaysPowered: true, AccessPoints: []string{"power-console"}},
			{ID: FlightEngineer, Launch: true, AccessPoints: []string{"flight-seat"}},
			{ID: Navigation, Launch: true, AccessPoints: []string{"nav-table"}},
			{ID: Antenna, Exploration: true, AccessPoints: []string{"antenna-panel"}},
			{ID: Scanner, Exploration: true, AccessPoints: []string{"scanner-desk"}},
			{ID: Codex, AccessPoints: []string{"codex-terminal"}},
		},
	}
}

// LoadLayout reads a YAML layout file.
func LoadLayout(path string) (Layout, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("read layout: %w", err)
	}
	return ParseLayout(raw)
}

// ParseLayout decodes and validates a YAML layout. A missing budget key
// means DefaultBudget; an explicit zero is kept.
func ParseLayout(raw []byte) (Layout, error) {
	var doc struct {
		Budget   *int     `yaml:"budget"`
		Stations []Config `yaml:"stations"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Layout{}, fmt.Errorf("parse layout: %w", err)
	}
	l := Layout{Budget: DefaultBudget, Stations: doc.Stations}
	if doc.Budget != nil {
		l.Budget = *doc.Budget
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Validate rejects layouts that cannot be run: duplicate or empty ids,
// shared access points and negative budgets.
func (l Layout) Validate() error {
	if l.Budget < 0 {
		return fmt.Errorf("layout: negative budget %d", l.Budget)
	}
	seen := make(map[ID]struct{}, len(l.Stations))
	access := make(map[string]ID)
	for _, cfg := range l.Stations {
		if cfg.ID == "" {
			return fmt.Errorf("layout: station with empty id")
		}
		if _, dup := seen[cfg.ID]; dup {
			return fmt.Errorf("layout: %w: %s", ErrDuplicateStation, cfg.ID)
		}
		seen[cfg.ID] = struct{}{}
		for _, ap := range cfg.AccessPoints {
			if other, taken := access[ap]; taken {
				return fmt.Errorf("layout: access point %q used by %s and %s", ap, other, cfg.ID)
			}
			access[ap] = cfg.ID
		}
	}
	return nil
}

// Overlapping lists stations marked for both launch and exploration. Such a
// layout still runs, but the two mode predicates are no longer independent.
func (l Layout) Overlapping() []ID {
	var out []ID
	for _, cfg := range l.Stations {
		if cfg.Launch && cfg.Exploration {
			out = append(out, cfg.ID)
		}
	}
	return out
}
