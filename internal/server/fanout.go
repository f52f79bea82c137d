package server

import (
	"cmp"

	"github.com/example/bridge-crew/internal/backend"
	"github.com/example/bridge-crew/internal/replica"
)

// FieldChange is the wire form of a replicated field update.
type FieldChange struct {
	Name string      `json:"name"`
	Old  interface{} `json:"old"`
	New  interface{} `json:"new"`
}

// MapChange is the wire form of one replicated map operation. Key is absent
// for clear and Value is absent for remove and clear.
type MapChange struct {
	Name  string         `json:"name"`
	Op    replica.OpKind `json:"op"`
	Key   interface{}    `json:"key,omitempty"`
	Value interface{}    `json:"value,omitempty"`
}

// SnapshotEvent is sent for every poll. The body is only included when the
// snapshot changed.
type SnapshotEvent struct {
	Changed  bool              `json:"changed"`
	Snapshot *backend.GameData `json:"snapshot,omitempty"`
}

func watchField[T comparable](s *CrewServer, f *replica.Field[T]) {
	s.unsubs = append(s.unsubs, f.Observe(func(old, new T) {
		change := FieldChange{Name: f.Name(), Old: old, New: new}
		s.broadcast(WSOut{Type: "field", Payload: change})
		s.mirror.Send("field", change.Name, change)
	}))
}

func watchMap[K cmp.Ordered, V comparable](s *CrewServer, m *replica.Map[K, V]) {
	s.unsubs = append(s.unsubs, m.Observe(func(op replica.Op[K, V]) {
		change := MapChange{Name: m.Name(), Op: op.Kind}
		switch op.Kind {
		case replica.OpAdd, replica.OpSet:
			change.Key, change.Value = op.Key, op.Value
		case replica.OpRemove:
			change.Key = op.Key
		}
		s.broadcast(WSOut{Type: "map", Payload: change})
		s.mirror.Send("map", change.Name, change)
	}))
}

// watch subscribes to every replicated value of the vessel and to the poller.
func (s *CrewServer) watch() {
	v := s.vessel
	for _, st := range v.Registry.Stations() {
		watchField(s, st.StateField())
		watchField(s, st.OccupantField())
		watchField(s, st.PoweredField())
	}
	watchMap(s, v.Registry.Owners())

	watchMap(s, v.Power.Ledger())
	watchField(s, v.Power.Count())
	watchField(s, v.Power.ModeField())

	watchField(s, v.Antenna.StateField())

	watchMap(s, v.Flight.Dials())
	watchMap(s, v.Flight.Thrusters())
	watchField(s, v.Flight.Cube())
	watchField(s, v.Flight.Destination())
	watchField(s, v.Flight.Locked())
	watchField(s, v.Flight.Launchable())

	s.unsubs = append(s.unsubs, v.Poller.OnPoll(s.onPoll))
}

func (s *CrewServer) onPoll(changed bool, snap *backend.GameData) {
	ev := SnapshotEvent{Changed: changed}
	if changed {
		ev.Snapshot = snap
	}
	s.broadcast(WSOut{Type: "snapshot", Payload: ev})
	s.mirror.Send("poll", "snapshot", SnapshotEvent{Changed: changed})
}
