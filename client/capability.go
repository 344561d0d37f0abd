package client

import (
	"strings"
	"time"
)

// Network classes as reported by the platform.
const (
	NetworkSlow2G = "slow-2g"
	Network2G     = "2g"
	Network3G     = "3g"
	Network4G     = "4g"
)

// lowMemoryGB is the device memory below which a device is constrained.
const lowMemoryGB = 2.0

var (
	// ConstrainedBounds suit low-end devices and slow networks.
	ConstrainedBounds = Bounds{Base: 5 * time.Second, Min: 3 * time.Second, Max: 30 * time.Second}
	// CapableBounds suit everything else.
	CapableBounds = Bounds{Base: time.Second, Min: 500 * time.Millisecond, Max: 10 * time.Second}
)

// Capability describes the device and network at startup. Zero values
// mean unknown and do not make a device constrained.
type Capability struct {
	MemoryGB     float64
	NetworkClass string
	SaveData     bool
	LowBattery   bool
}

// Constrained reports whether slower bounds should be used.
func (c Capability) Constrained() bool {
	if c.MemoryGB > 0 && c.MemoryGB < lowMemoryGB {
		return true
	}
	switch strings.ToLower(c.NetworkClass) {
	case NetworkSlow2G, Network2G, Network3G:
		return true
	}
	return c.SaveData || c.LowBattery
}

// Bounds selects the initial rate bounds.
func (c Capability) Bounds() Bounds {
	if c.Constrained() {
		return ConstrainedBounds
	}
	return CapableBounds
}

// Strategy lists the transports a client may use.
type Strategy struct {
	Socket  bool
	Polling bool
}

// Strategy derives the transports from the capability. Polling is always
// allowed; a persistent socket is skipped on save-data and slow-2g.
func (c Capability) Strategy() Strategy {
	socket := !c.SaveData && !strings.EqualFold(c.NetworkClass, NetworkSlow2G)
	return Strategy{Socket: socket, Polling: true}
}
