package station

import (
	"context"
	"fmt"

	"github.com/example/bridge-crew/internal/logging"
)

// Authority grants and revokes exclusive control of stations. Requests for
// the same station are serialised by the station itself, so the first
// request the server applies wins.
type Authority struct {
	reg *Registry
	log logging.Logger
}

func NewAuthority(reg *Registry, log logging.Logger) *Authority {
	if log == nil {
		log = logging.Noop()
	}
	return &Authority{reg: reg, log: log.With(logging.String("component", "authority"))}
}

// RequestAuthority grants client exclusive control of the station and moves
// it from Idle to Entering.
func (a *Authority) RequestAuthority(client ClientID, id ID) error {
	if client == "" {
		return fmt.Errorf("request authority: empty client id")
	}
	st, ok := a.reg.Station(id)
	if !ok {
		return fmt.Errorf("request authority %s: %w", id, ErrNotFound)
	}
	if err := st.grant(client); err != nil {
		a.log.Debug(context.Background(), "authority rejected",
			logging.String("station", string(id)), logging.String("client", string(client)), logging.Err(err))
		return fmt.Errorf("request authority %s: %w", id, err)
	}
	a.log.Info(context.Background(), "authority granted",
		logging.String("station", string(id)), logging.String("client", string(client)))
	return nil
}

// RequestViaAccessPoint resolves the access point and requests authority on
// its station.
func (a *Authority) RequestViaAccessPoint(client ClientID, apID string) (ID, error) {
	st, ok := a.reg.ByAccessPoint(apID)
	if !ok {
		return "", fmt.Errorf("access point %q: %w", apID, ErrNotFound)
	}
	return st.ID(), a.RequestAuthority(client, st.ID())
}

// Activate starts the entry transition on behalf of the occupant.
func (a *Authority) Activate(client ClientID, id ID) error {
	st, ok := a.reg.Station(id)
	if !ok {
		return fmt.Errorf("activate %s: %w", id, ErrNotFound)
	}
	if err := st.activate(client); err != nil {
		return fmt.Errorf("activate %s: %w", id, err)
	}
	return nil
}

// Deactivate starts the exit transition on behalf of the occupant.
func (a *Authority) Deactivate(client ClientID, id ID, reset bool) error {
	st, ok := a.reg.Station(id)
	if !ok {
		return fmt.Errorf("deactivate %s: %w", id, ErrNotFound)
	}
	if st.Occupant() == "" {
		return fmt.Errorf("deactivate %s: %w", id, ErrNotOccupant)
	}
	if err := st.deactivate(client, reset); err != nil {
		return fmt.Errorf("deactivate %s: %w", id, err)
	}
	return nil
}

// Holder returns the client holding authority over id.
func (a *Authority) Holder(id ID) (ClientID, bool) {
	client, ok := a.reg.Owners().Get(id)
	return client, ok && client != ""
}

// ReleaseAll starts the exit transition for every station client occupies
// and returns their ids. Used when a client disconnects.
func (a *Authority) ReleaseAll(client ClientID) []ID {
	var released []ID
	for id, holder := range a.reg.Owners().Snapshot() {
		if holder != client {
			continue
		}
		st, ok := a.reg.Station(id)
		if !ok {
			continue
		}
		if err := st.deactivate(client, false); err != nil {
			a.log.Warn(context.Background(), "release on disconnect failed",
				logging.String("station", string(id)), logging.Err(err))
			continue
		}
		released = append(released, id)
	}
	return released
}
