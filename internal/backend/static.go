package backend

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// StaticClient serves a recorded snapshot and answers every action with
// success. Actions that move the ship update the fixture so later polls see
// the change.
type StaticClient struct {
	mu   sync.Mutex
	data *GameData
}

// NewStaticClient wraps a snapshot; nil starts from an empty one.
func NewStaticClient(data *GameData) *StaticClient {
	if data == nil {
		data = &GameData{}
	}
	return &StaticClient{data: data.Clone()}
}

// LoadStaticClient reads a recorded snapshot from disk.
func LoadStaticClient(path string) (*StaticClient, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	data, err := ParseGameData(raw)
	if err != nil {
		return nil, err
	}
	return NewStaticClient(data), nil
}

func (c *StaticClient) GetSnapshot(context.Context, string) (*GameData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Clone(), nil
}

func (c *StaticClient) GetTeamActive(context.Context, string) (TeamActive, error) {
	return TeamActive{Success: true, Message: "fixture"}, nil
}

func (c *StaticClient) UnlockLocation(_ context.Context, _ string, coords string) (Unlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, loc := range c.data.UnlockedLocations {
		if loc.UnlockCode == coords {
			return Unlock{Result: UnlockSuccess, LocationID: loc.ID}, nil
		}
	}
	return Unlock{Result: UnlockSuccess, LocationID: coords}, nil
}

func (c *StaticClient) Jump(_ context.Context, _ string, locationID string) (Jump, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.CurrentStatus.CurrentLocation = locationID
	for i := range c.data.UnlockedLocations {
		if c.data.UnlockedLocations[i].ID == locationID {
			c.data.UnlockedLocations[i].Visited = true
		}
	}
	c.data.index()
	return Jump{Success: true, Message: "jumped to " + locationID}, nil
}

func (c *StaticClient) ScanLocation(context.Context, string) (Scan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.data.CurrentStatus.CurrentLocation
	for i := range c.data.UnlockedLocations {
		if c.data.UnlockedLocations[i].ID == current {
			c.data.UnlockedLocations[i].Scanned = true
		}
	}
	c.data.index()
	return Scan{Success: true, EventWaiting: c.data.CurrentStatus.PendingTransmission != nil}, nil
}

func (c *StaticClient) CompleteCommEvent(context.Context, string) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.CurrentStatus.PendingTransmission = nil
	return Ack{Success: true}, nil
}

func (c *StaticClient) ExtendAntenna(context.Context, string) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.CurrentStatus.AntennaExtended = true
	return Ack{Success: true}, nil
}

func (c *StaticClient) RetractAntenna(context.Context, string) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.CurrentStatus.AntennaExtended = false
	return Ack{Success: true}, nil
}

func (c *StaticClient) SetPowerMode(_ context.Context, _ string, mode string) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.CurrentStatus.PowerStatus = mode
	return Ack{Success: true}, nil
}

func (c *StaticClient) SetCodexPower(context.Context, string, bool) (Ack, error) {
	return Ack{Success: true}, nil
}
