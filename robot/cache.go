package robot

import (
	"sync"
	"time"
)

// Snapshot is a cached robot state with its capture time.
type Snapshot struct {
	TS    time.Time `json:"ts"`
	State *State    `json:"state"`
}

// Cache holds the latest state snapshot per robot. It is the read path
// for anything that wants robot state without touching the vendor.
type Cache struct {
	mu   sync.RWMutex
	data map[string]Snapshot
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{data: make(map[string]Snapshot)}
}

// Set stores the latest state for a robot.
func (c *Cache) Set(robotID string, state *State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[robotID] = Snapshot{TS: time.Now().UTC(), State: state}
}

// Get returns the latest snapshot for a robot, if any.
func (c *Cache) Get(robotID string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.data[robotID]
	return snap, ok
}

// All returns the latest snapshot for every known robot.
func (c *Cache) All() map[string]Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Snapshot, len(c.data))
	for rid, snap := range c.data {
		out[rid] = snap
	}
	return out
}
