package station

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/bridge-crew/internal/logging"
	"github.com/example/bridge-crew/internal/replica"
)

// AccessPoint is the object a crew member interacts with to ask for entry
// into a station.
type AccessPoint struct {
	ID      string `json:"id"`
	Station ID     `json:"station"`
}

// Registry resolves station identifiers and access points to live stations.
// It is constructed explicitly and passed to whoever needs it.
type Registry struct {
	log logging.Logger

	mu       sync.RWMutex
	stations map[ID]*Station
	access   map[string]ID

	// owners is the ownership token map: station id to the client holding
	// authority. Only station grant and release paths write to it.
	owners *replica.Map[ID, ClientID]
}

func NewRegistry(log logging.Logger) *Registry {
	if log == nil {
		log = logging.Noop()
	}
	return &Registry{
		log:      log,
		stations: make(map[ID]*Station),
		access:   make(map[string]ID),
		owners:   replica.NewMap[ID, ClientID]("authority.owners"),
	}
}

// Register adds st and its access points.
func (r *Registry) Register(st *Station) error {
	if st == nil {
		return fmt.Errorf("register: nil station")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := st.ID()
	if _, exists := r.stations[id]; exists {
		return fmt.Errorf("register %s: %w", id, ErrDuplicateStation)
	}
	for _, ap := range st.cfg.AccessPoints {
		if owner, taken := r.access[ap]; taken {
			return fmt.Errorf("register %s: access point %q already belongs to %s", id, ap, owner)
		}
	}
	st.mu.Lock()
	st.owners = r.owners
	st.mu.Unlock()
	r.stations[id] = st
	for _, ap := range st.cfg.AccessPoints {
		r.access[ap] = id
	}
	r.log.Debug(context.Background(), "station registered", logging.String("station", string(id)))
	return nil
}

// Deregister removes the station and its access points and tears it down.
// Lookups made afterwards fail with ErrNotFound.
func (r *Registry) Deregister(id ID) bool {
	r.mu.Lock()
	st, ok := r.stations[id]
	if ok {
		delete(r.stations, id)
		for ap, target := range r.access {
			if target == id {
				delete(r.access, ap)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	st.destroy()
	r.log.Debug(context.Background(), "station deregistered", logging.String("station", string(id)))
	return true
}

// Station looks up a registered station.
func (r *Registry) Station(id ID) (*Station, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stations[id]
	return st, ok
}

// ByAccessPoint resolves an access point to its station.
func (r *Registry) ByAccessPoint(apID string) (*Station, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.access[apID]
	if !ok {
		return nil, false
	}
	st, ok := r.stations[id]
	return st, ok
}

// AccessPoints lists registered access points sorted by id.
func (r *Registry) AccessPoints() []AccessPoint {
	r.mu.RLock()
	out := make([]AccessPoint, 0, len(r.access))
	for ap, id := range r.access {
		out = append(out, AccessPoint{ID: ap, Station: id})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stations returns registered stations sorted by id.
func (r *Registry) Stations() []*Station {
	r.mu.RLock()
	out := make([]*Station, 0, len(r.stations))
	for _, st := range r.stations {
		out = append(out, st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Owners is the replicated ownership token map.
func (r *Registry) Owners() *replica.Map[ID, ClientID] { return r.owners }
