package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/bridge-crew/internal/antenna"
	"github.com/example/bridge-crew/internal/backend"
	"github.com/example/bridge-crew/internal/flight"
	"github.com/example/bridge-crew/internal/logging"
	"github.com/example/bridge-crew/internal/power"
	"github.com/example/bridge-crew/internal/station"
	"github.com/example/bridge-crew/internal/vessel"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errBadPayload     = errors.New("malformed payload")
	errRateLimited    = errors.New("too many commands")
)

// Result answers every command, to the sender only.
type Result struct {
	Command string      `json:"command"`
	OK      bool        `json:"ok"`
	Reason  string      `json:"reason,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ActionEvent carries the backend's answer to an asynchronous action to the
// whole crew.
type ActionEvent struct {
	Action string           `json:"action"`
	Client station.ClientID `json:"client"`
	Result interface{}      `json:"result"`
}

// reasons maps sentinel errors to stable reason codes, checked in order.
var reasons = []struct {
	err  error
	code string
}{
	{errRateLimited, "rate_limited"},
	{errUnknownCommand, "unknown_command"},
	{errBadPayload, "bad_payload"},
	{station.ErrNotFound, "not_found"},
	{station.ErrAlreadyOccupied, "already_occupied"},
	{station.ErrNotOccupant, "not_occupant"},
	{station.ErrInvalidState, "invalid_state"},
	{vessel.ErrNotAtStation, "not_at_station"},
	{vessel.ErrStationUnpowered, "station_unpowered"},
	{vessel.ErrUnknownLocation, "unknown_location"},
	{vessel.ErrNotLaunchable, "not_launchable"},
	{vessel.ErrNoDestination, "no_destination"},
	{vessel.ErrNoLink, "no_link"},
	{power.ErrPowerUnavailable, "power_unavailable"},
	{power.ErrAlwaysPowered, "always_powered"},
	{power.ErrUnknownStation, "not_found"},
	{antenna.ErrInvalidTransition, "invalid_transition"},
	{flight.ErrTrajectoriesLocked, "trajectories_locked"},
	{flight.ErrUnknownThruster, "unknown_thruster"},
	{backend.ErrUnlockInvalid, "invalid_unlock"},
}

// Reason returns the reason code for err, "ok" for nil.
func Reason(err error) string {
	if err == nil {
		return "ok"
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return "error"
}

func (s *CrewServer) reply(c *Client, command string, data interface{}, err error) {
	reason := Reason(err)
	s.metrics.ObserveCommand(command, reason)
	res := Result{Command: command, OK: err == nil, Data: data}
	if err != nil {
		res.Reason = reason
		s.log.Debug(context.Background(), "command rejected", logging.String("client", string(c.ID)),
			logging.String("command", command), logging.String("reason", reason), logging.Err(err))
	}
	s.sendTo(c, WSOut{Type: "result", Payload: res})
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty", errBadPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

type stationPayload struct {
	Station     station.ID `json:"station"`
	AccessPoint string     `json:"accessPoint"`
	Reset       bool       `json:"reset"`
}

type dialPayload struct {
	Dial   flight.DialID `json:"dial"`
	Value  int           `json:"value"`
	Target *int          `json:"target"`
}

// dispatch runs one command. It returns optional data for the result frame.
func (s *CrewServer) dispatch(c *Client, msg Message) (interface{}, error) {
	v := s.vessel
	ctx := context.Background()
	switch msg.Type {
	case "requestAuthority":
		var p stationPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		if p.AccessPoint != "" {
			id, err := v.Authority.RequestViaAccessPoint(c.ID, p.AccessPoint)
			return map[string]station.ID{"station": id}, err
		}
		return nil, v.Authority.RequestAuthority(c.ID, p.Station)
	case "activate":
		var p stationPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, v.Authority.Activate(c.ID, p.Station)
	case "deactivate":
		var p stationPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, v.Authority.Deactivate(c.ID, p.Station, p.Reset)
	case "resetStation":
		var p stationPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, s.resetStation(c, p.Station)

	case "togglePower":
		var p stationPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		if err := v.Operate(c.ID, station.PowerRouting); err != nil {
			return nil, err
		}
		on, err := v.Power.ToggleStation(ctx, p.Station)
		return map[string]interface{}{"station": p.Station, "powered": on, "remaining": v.Power.Remaining()}, err

	case "antenna":
		var p struct {
			State string `json:"state"`
		}
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		target, err := antenna.ParseState(p.State)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadPayload, err)
		}
		// Clients name the state they want; the machine takes the first step.
		switch target {
		case antenna.Connected:
			target = antenna.Connecting
		case antenna.Disconnecting:
			target = antenna.Disconnected
		}
		if err := v.Operate(c.ID, station.Antenna); err != nil {
			return nil, err
		}
		return nil, v.Antenna.TrySet(ctx, target)

	case "setDial":
		var p dialPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		if err := v.Operate(c.ID, station.FlightEngineer); err != nil {
			return nil, err
		}
		if p.Target == nil {
			return nil, v.Flight.TurnDial(p.Dial, p.Value)
		}
		return nil, v.Flight.SetDialInfo(p.Dial, p.Value, *p.Target)
	case "turnDial":
		var p dialPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		if err := v.Operate(c.ID, station.FlightEngineer); err != nil {
			return nil, err
		}
		return nil, v.Flight.TurnDial(p.Dial, p.Value)
	case "setThruster":
		var p struct {
			Thruster string `json:"thruster"`
			On       bool   `json:"on"`
		}
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		if err := v.Operate(c.ID, station.FlightEngineer); err != nil {
			return nil, err
		}
		return nil, v.Flight.SetThruster(p.Thruster, p.On)
	case "setCube":
		var p struct {
			State string `json:"state"`
		}
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		state, err := flight.ParseCubeState(p.State)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadPayload, err)
		}
		v.Flight.SetCube(state)
		return nil, nil
	case "lockTrajectories":
		if err := v.Operate(c.ID, station.FlightEngineer); err != nil {
			return nil, err
		}
		v.Flight.LockTrajectories()
		return nil, nil
	case "unlockTrajectories":
		if err := v.Operate(c.ID, station.FlightEngineer); err != nil {
			return nil, err
		}
		v.Flight.UnlockTrajectories()
		return nil, nil
	case "jump":
		if err := v.Operate(c.ID, station.FlightEngineer); err != nil {
			return nil, err
		}
		return nil, v.Jump(ctx, func(res backend.Jump) { s.announce("jump", c.ID, res) })

	case "selectDestination":
		var p struct {
			Location string `json:"location"`
		}
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		if err := v.Operate(c.ID, station.Navigation); err != nil {
			return nil, err
		}
		return nil, v.SelectDestination(p.Location)
	case "unlock":
		var p struct {
			Coords string `json:"coords"`
		}
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		if err := v.Operate(c.ID, station.Navigation); err != nil {
			return nil, err
		}
		return nil, v.UnlockLocation(ctx, p.Coords, func(res backend.Unlock) {
			s.announce("unlock", c.ID, res)
			if res.Result == backend.UnlockSuccess {
				v.Poller.Refetch()
			}
		})

	case "scan":
		if err := v.Operate(c.ID, station.Scanner); err != nil {
			return nil, err
		}
		return nil, v.Scan(ctx, func(res backend.Scan) { s.announce("scan", c.ID, res) })

	case "completeComm":
		if err := v.Operate(c.ID, station.Codex); err != nil {
			return nil, err
		}
		return nil, v.CompleteCommEvent(ctx, func(res backend.Ack) {
			s.announce("completeComm", c.ID, res)
			if res.Success {
				v.Poller.Refetch()
			}
		})
	}
	return nil, fmt.Errorf("%w: %q", errUnknownCommand, msg.Type)
}

// resetStation resets a station its client holds, or one nobody holds.
func (s *CrewServer) resetStation(c *Client, id station.ID) error {
	v := s.vessel
	st, ok := v.Registry.Station(id)
	if !ok {
		return fmt.Errorf("reset %s: %w", id, station.ErrNotFound)
	}
	if holder, held := v.Authority.Holder(id); held {
		if holder != c.ID {
			return fmt.Errorf("reset %s: %w", id, station.ErrNotOccupant)
		}
		return v.Authority.Deactivate(c.ID, id, true)
	}
	return st.ResetStation()
}

func (s *CrewServer) announce(action string, client station.ClientID, result interface{}) {
	ev := ActionEvent{Action: action, Client: client, Result: result}
	s.broadcast(WSOut{Type: "action", Payload: ev})
	s.mirror.Send("action", action, ev)
}
