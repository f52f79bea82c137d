// Package flight keeps the flight engineer's trajectory dials, thrusters and
// drive cube in sync and broadcasts whether the ship can launch.
package flight

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/bridge-crew/internal/logging"
	"github.com/example/bridge-crew/internal/replica"
)

var (
	ErrTrajectoriesLocked = errors.New("trajectories are locked")
	ErrUnknownThruster    = errors.New("unknown thruster")
)

// Unset is the target of a dial nobody has aimed yet.
const Unset = -1

// DialID names a trajectory dial.
type DialID string

const (
	DialAlpha DialID = "alpha"
	DialBeta  DialID = "beta"
	DialGamma DialID = "gamma"
)

// DefaultDials is the dial set of the flight engineer station, in the order
// a location's trajectory angles are assigned.
var DefaultDials = []DialID{DialAlpha, DialBeta, DialGamma}

// DefaultThrusters must all be on for a launch.
var DefaultThrusters = []string{"main", "port", "starboard"}

// Dial is the replicated value of one dial.
type Dial struct {
	Current int `json:"current"`
	Target  int `json:"target"`
}

// CubeState is where the drive cube physically sits.
type CubeState int

const (
	CubeStowed CubeState = iota
	CubeCarried
	CubeInDrive
)

func (c CubeState) String() string {
	switch c {
	case CubeStowed:
		return "stowed"
	case CubeCarried:
		return "carried"
	case CubeInDrive:
		return "in_drive"
	default:
		return "unknown"
	}
}

func (c CubeState) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *CubeState) UnmarshalText(b []byte) error {
	st, err := ParseCubeState(string(b))
	if err != nil {
		return err
	}
	*c = st
	return nil
}

// ParseCubeState is the inverse of String.
func ParseCubeState(v string) (CubeState, error) {
	switch v {
	case "stowed":
		return CubeStowed, nil
	case "carried":
		return CubeCarried, nil
	case "in_drive":
		return CubeInDrive, nil
	}
	return CubeStowed, fmt.Errorf("unknown cube state %q", v)
}

// Controller owns the dial map and the launch predicate.
type Controller struct {
	log   logging.Logger
	order []DialID

	mu          sync.Mutex
	dials       *replica.Map[DialID, Dial]
	thrusters   *replica.Map[string, bool]
	cube        *replica.Field[CubeState]
	destination *replica.Field[string]
	locked      *replica.Field[bool]
	launchable  *replica.Field[bool]
}

// New builds a controller with every dial at (0, Unset) and every thruster off.
func New(dials []DialID, thrusters []string, log logging.Logger) *Controller {
	if log == nil {
		log = logging.Noop()
	}
	c := &Controller{
		log:         log.With(logging.String("component", "flight")),
		order:       append([]DialID(nil), dials...),
		dials:       replica.NewMap[DialID, Dial]("flight.dials"),
		thrusters:   replica.NewMap[string, bool]("flight.thrusters"),
		cube:        replica.NewField("flight.cube", CubeStowed),
		destination: replica.NewField("flight.destination", ""),
		locked:      replica.NewField("flight.locked", false),
		launchable:  replica.NewField("flight.launchable", false),
	}
	for _, id := range dials {
		c.dials.Set(id, Dial{Current: 0, Target: Unset})
	}
	for _, id := range thrusters {
		c.thrusters.Set(id, false)
	}
	return c
}

func (c *Controller) Dials() *replica.Map[DialID, Dial]     { return c.dials }
func (c *Controller) Thrusters() *replica.Map[string, bool] { return c.thrusters }
func (c *Controller) Cube() *replica.Field[CubeState]       { return c.cube }
func (c *Controller) Destination() *replica.Field[string]   { return c.destination }
func (c *Controller) Locked() *replica.Field[bool]          { return c.locked }

// Launchable is the broadcast launch predicate. Subscribe to it instead of
// polling IsLaunchable.
func (c *Controller) Launchable() *replica.Field[bool] { return c.launchable }

// SetDialInfo upserts a dial. Rejected while trajectories are locked.
func (c *Controller) SetDialInfo(id DialID, value, target int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked.Get() {
		return ErrTrajectoriesLocked
	}
	c.dials.Set(id, Dial{Current: value, Target: target})
	c.recomputeLocked()
	return nil
}

// TurnDial moves a dial's current value, keeping its target.
func (c *Controller) TurnDial(id DialID, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked.Get() {
		return ErrTrajectoriesLocked
	}
	d, ok := c.dials.Get(id)
	if !ok {
		d = Dial{Target: Unset}
	}
	d.Current = value
	c.dials.Set(id, d)
	c.recomputeLocked()
	return nil
}

// SelectDestination records the chosen location and aims the dials at its
// trajectory angles, assigned in dial order.
func (c *Controller) SelectDestination(locationID string, angles []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked.Get() {
		return ErrTrajectoriesLocked
	}
	for i, id := range c.order {
		if i >= len(angles) {
			break
		}
		d, _ := c.dials.Get(id)
		d.Target = angles[i]
		c.dials.Set(id, d)
	}
	c.destination.Set(locationID)
	c.recomputeLocked()
	c.log.Info(context.Background(), "destination selected", logging.String("location", locationID))
	return nil
}

// AreDialsActivated is true when every dial sits on its target. No dials
// means nothing has been aimed, so it is false.
func (c *Controller) AreDialsActivated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialsActivatedLocked()
}

func (c *Controller) dialsActivatedLocked() bool {
	dials := c.dials.Snapshot()
	if len(dials) == 0 {
		return false
	}
	for _, d := range dials {
		if d.Current != d.Target {
			return false
		}
	}
	return true
}

// IsLaunchable combines the dials, the cube and the thrusters.
func (c *Controller) IsLaunchable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launchableLocked()
}

func (c *Controller) launchableLocked() bool {
	if !c.dialsActivatedLocked() || c.cube.Get() != CubeInDrive {
		return false
	}
	for _, on := range c.thrusters.Snapshot() {
		if !on {
			return false
		}
	}
	return true
}

// SetThruster switches one thruster.
func (c *Controller) SetThruster(id string, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.thrusters.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownThruster, id)
	}
	c.thrusters.Set(id, on)
	c.recomputeLocked()
	return nil
}

// SetCube moves the drive cube.
func (c *Controller) SetCube(state CubeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cube.Set(state)
	c.recomputeLocked()
}

// LockTrajectories closes the gate. When a destination is already chosen the
// cube is seated in the drive as part of the same step.
func (c *Controller) LockTrajectories() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked.Set(true)
	if c.destination.Get() != "" {
		c.cube.Set(CubeInDrive)
	}
	c.recomputeLocked()
}

// UnlockTrajectories reopens the dials.
func (c *Controller) UnlockTrajectories() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked.Set(false)
	c.recomputeLocked()
}

// Reset restores dials, thrusters, lock and destination to defaults. The cube
// is a physical prop and stays where it is.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked.Set(false)
	c.destination.Set("")
	for _, id := range c.dials.Keys() {
		c.dials.Set(id, Dial{Current: 0, Target: Unset})
	}
	for _, id := range c.thrusters.Keys() {
		c.thrusters.Set(id, false)
	}
	c.recomputeLocked()
}

// ClearDestination forgets the destination after a jump, without touching
// the dials.
func (c *Controller) ClearDestination() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destination.Set("")
	c.recomputeLocked()
}

func (c *Controller) recomputeLocked() {
	next := c.launchableLocked()
	if c.launchable.Set(next) {
		c.log.Debug(context.Background(), "launchable changed", logging.Bool("launchable", next))
	}
}
