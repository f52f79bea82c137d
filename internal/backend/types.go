package backend

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

// Session identifies the running crew session on the backend.
type Session struct {
	ID        string `json:"id"`
	TeamID    string `json:"teamId"`
	Name      string `json:"name"`
	StartedAt string `json:"startedAt"`
}

// StationAssignment maps a station to the machine its console talks to.
type StationAssignment struct {
	Station string `json:"station"`
	VMID    string `json:"vmId"`
	URL     string `json:"url"`
}

type Mission struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	LocationID string `json:"locationId"`
	Completed  bool   `json:"completed"`
}

// Location is an unlocked destination. Trajectories holds the three dial
// angles that aim the ship at it.
type Location struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ImageID      string `json:"imageId"`
	Visited      bool   `json:"visited"`
	Scanned      bool   `json:"scanned"`
	UnlockCode   string `json:"unlockCode"`
	Trajectories [3]int `json:"trajectories"`
}

// Equal compares field by field.
func (l Location) Equal(o Location) bool { return l == o }

type Transmission struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// Status is the live part of the snapshot.
type Status struct {
	CurrentLocation     string        `json:"currentLocation"`
	AntennaExtended     bool          `json:"antennaExtended"`
	PowerStatus         string        `json:"powerStatus"`
	PendingTransmission *Transmission `json:"pendingTransmission,omitempty"`
}

// GameData is one full snapshot fetched from the backend. Once published by
// the poller it is read-only; copy values out instead of mutating it.
type GameData struct {
	Session           Session             `json:"session"`
	Stations          []StationAssignment `json:"stations"`
	Missions          []Mission           `json:"missions"`
	UnlockedLocations []Location          `json:"unlockedLocations"`
	CurrentStatus     Status              `json:"currentStatus"`

	locations map[string]Location
}

// ParseGameData decodes a snapshot payload and builds its location index.
func ParseGameData(raw []byte) (*GameData, error) {
	var g GameData
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrMalformedResponse, err)
	}
	g.index()
	return &g, nil
}

func (g *GameData) index() {
	g.locations = make(map[string]Location, len(g.UnlockedLocations))
	for _, loc := range g.UnlockedLocations {
		g.locations[loc.ID] = loc
	}
}

// Location looks up an unlocked location by id.
func (g *GameData) Location(id string) (Location, bool) {
	if g == nil {
		return Location{}, false
	}
	if g.locations != nil {
		loc, ok := g.locations[id]
		return loc, ok
	}
	for _, loc := range g.UnlockedLocations {
		if loc.ID == id {
			return loc, true
		}
	}
	return Location{}, false
}

// LocationsByID returns a fresh map of the unlocked locations.
func (g *GameData) LocationsByID() map[string]Location {
	out := make(map[string]Location, len(g.UnlockedLocations))
	for _, loc := range g.UnlockedLocations {
		out[loc.ID] = loc
	}
	return out
}

// Hash is the hex blake3 digest of the snapshot's JSON encoding. Field order
// is fixed by the struct, so equal snapshots hash equally.
func (g *GameData) Hash() (string, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy.
func (g *GameData) Clone() *GameData {
	if g == nil {
		return nil
	}
	c := *g
	c.Stations = append([]StationAssignment(nil), g.Stations...)
	c.Missions = append([]Mission(nil), g.Missions...)
	c.UnlockedLocations = append([]Location(nil), g.UnlockedLocations...)
	if g.CurrentStatus.PendingTransmission != nil {
		t := *g.CurrentStatus.PendingTransmission
		c.CurrentStatus.PendingTransmission = &t
	}
	c.index()
	return &c
}

var (
	ErrMalformedResponse = errors.New("malformed backend response")
	ErrUnlockInvalid     = errors.New("invalid unlock code")
)

// TeamActive is the liveness answer for a team.
type TeamActive struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type UnlockResult string

const (
	UnlockSuccess         UnlockResult = "Success"
	UnlockInvalid         UnlockResult = "Invalid"
	UnlockAlreadyUnlocked UnlockResult = "AlreadyUnlocked"
)

type Unlock struct {
	Result     UnlockResult `json:"result"`
	LocationID string       `json:"locationId"`
}

// Err maps an Invalid result to ErrUnlockInvalid.
func (u Unlock) Err() error {
	if u.Result == UnlockInvalid {
		return ErrUnlockInvalid
	}
	return nil
}

type Jump struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Scan struct {
	Success      bool `json:"success"`
	EventWaiting bool `json:"eventWaiting"`
}

// Ack is the plain {success} answer shared by most actions.
type Ack struct {
	Success bool `json:"success"`
}
