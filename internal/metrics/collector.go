package metrics

import "sync/atomic"

// Collector holds the engine-wide counters. It is passed explicitly to the
// components that update it, so tests can construct isolated instances
// instead of sharing process-global state.
type Collector struct {
	TabsCreated       atomic.Uint64
	TabsClosed        atomic.Uint64
	IdentityRotations atomic.Uint64
	ProxyRotations    atomic.Uint64
	TunnelsOpened     atomic.Uint64
	TunnelsClosed     atomic.Uint64
	TunnelErrors      atomic.Uint64
	ValidationsRun    atomic.Uint64
	ValidationsFailed atomic.Uint64
	UplinkBytes       atomic.Uint64
	DownlinkBytes     atomic.Uint64
}

// Snapshot is a plain-value copy of all counters, safe to serialize.
type Snapshot struct {
	TabsCreated       uint64 `json:"tabs_created"`
	TabsClosed        uint64 `json:"tabs_closed"`
	IdentityRotations uint64 `json:"identity_rotations"`
	ProxyRotations    uint64 `json:"proxy_rotations"`
	TunnelsOpened     uint64 `json:"tunnels_opened"`
	TunnelsClosed     uint64 `json:"tunnels_closed"`
	TunnelErrors      uint64 `json:"tunnel_errors"`
	ValidationsRun    uint64 `json:"validations_run"`
	ValidationsFailed uint64 `json:"validations_failed"`
	UplinkBytes       uint64 `json:"uplink_bytes"`
	DownlinkBytes     uint64 `json:"downlink_bytes"`
}

func NewCollector() *Collector {
	return &Collector{}
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		TabsCreated:       c.TabsCreated.Load(),
		TabsClosed:        c.TabsClosed.Load(),
		IdentityRotations: c.IdentityRotations.Load(),
		ProxyRotations:    c.ProxyRotations.Load(),
		TunnelsOpened:     c.TunnelsOpened.Load(),
		TunnelsClosed:     c.TunnelsClosed.Load(),
		TunnelErrors:      c.TunnelErrors.Load(),
		ValidationsRun:    c.ValidationsRun.Load(),
		ValidationsFailed: c.ValidationsFailed.Load(),
		UplinkBytes:       c.UplinkBytes.Load(),
		DownlinkBytes:     c.DownlinkBytes.Load(),
	}
}
