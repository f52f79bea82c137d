package server

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/example/bridge-crew/internal/antenna"
	"github.com/example/bridge-crew/internal/auth"
	"github.com/example/bridge-crew/internal/backend"
	"github.com/example/bridge-crew/internal/flight"
	"github.com/example/bridge-crew/internal/power"
	"github.com/example/bridge-crew/internal/station"
)

type CrewMember struct {
	ID   station.ClientID `json:"id"`
	Name string           `json:"name"`
}

// Welcome is the first frame a client receives.
type Welcome struct {
	ClientID station.ClientID `json:"clientId"`
	Name     string           `json:"name"`
	State    ShipState        `json:"state"`
}

type StationView struct {
	station.Config
	State       station.State    `json:"state"`
	Occupant    station.ClientID `json:"occupant,omitempty"`
	Powered     bool             `json:"powered"`
	Operational bool             `json:"operational"`
}

type PowerView struct {
	Budget    int                 `json:"budget"`
	Remaining int                 `json:"remaining"`
	Mode      power.Mode          `json:"mode"`
	Ledger    map[station.ID]bool `json:"ledger"`
}

type FlightView struct {
	Dials       map[flight.DialID]flight.Dial `json:"dials"`
	Thrusters   map[string]bool               `json:"thrusters"`
	Cube        flight.CubeState              `json:"cube"`
	Destination string                        `json:"destination,omitempty"`
	Locked      bool                          `json:"locked"`
	Launchable  bool                          `json:"launchable"`
}

// ShipState is the full replicated state, sent once on connect. Later
// changes arrive as field and map frames.
type ShipState struct {
	Stations     []StationView                   `json:"stations"`
	AccessPoints []station.AccessPoint           `json:"accessPoints"`
	Owners       map[station.ID]station.ClientID `json:"owners"`
	Power        PowerView                       `json:"power"`
	Antenna      antenna.State                   `json:"antenna"`
	Flight       FlightView                      `json:"flight"`
	Snapshot     *backend.GameData               `json:"snapshot,omitempty"`
}

func (s *CrewServer) stationViews() []StationView {
	stations := s.vessel.Registry.Stations()
	views := make([]StationView, 0, len(stations))
	for _, st := range stations {
		views = append(views, StationView{
			Config:      st.Config(),
			State:       st.State(),
			Occupant:    st.Occupant(),
			Powered:     st.Powered(),
			Operational: st.Operational(),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

func (s *CrewServer) powerView() PowerView {
	p := s.vessel.Power
	return PowerView{
		Budget:    p.Budget(),
		Remaining: p.Remaining(),
		Mode:      p.Mode(),
		Ledger:    p.Ledger().Snapshot(),
	}
}

func (s *CrewServer) shipState() ShipState {
	f := s.vessel.Flight
	return ShipState{
		Stations:     s.stationViews(),
		AccessPoints: s.vessel.Registry.AccessPoints(),
		Owners:       s.vessel.Registry.Owners().Snapshot(),
		Power:        s.powerView(),
		Antenna:      s.vessel.Antenna.State(),
		Flight: FlightView{
			Dials:       f.Dials().Snapshot(),
			Thrusters:   f.Thrusters().Snapshot(),
			Cube:        f.Cube().Get(),
			Destination: f.Destination().Get(),
			Locked:      f.Locked().Get(),
			Launchable:  f.Launchable().Get(),
		},
		Snapshot: s.vessel.Poller.Snapshot(),
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// HTTP handlers
func (s *CrewServer) HandleStations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"stations":     s.stationViews(),
		"accessPoints": s.vessel.Registry.AccessPoints(),
		"crew":         s.Crew(),
	})
}

func (s *CrewServer) HandlePower(w http.ResponseWriter, r *http.Request) {
	report, err := s.vessel.Power.ComputeMode()
	writeJSON(w, map[string]interface{}{
		"power":    s.powerView(),
		"report":   report,
		"conflict": err != nil,
	})
}

func (s *CrewServer) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.vessel.Poller.Snapshot()
	if snap == nil {
		http.Error(w, "No snapshot yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, snap)
}

func (s *CrewServer) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]interface{}{
		"subject": claims.Subject,
		"name":    claims.DisplayName(),
		"role":    claims.Role,
	})
}
