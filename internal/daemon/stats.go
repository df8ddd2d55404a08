package daemon

import (
	"sync/atomic"
	"time"

	"palaver/internal/event"
)

type counters struct {
	sent     atomic.Uint64
	received atomic.Uint64
	rejected atomic.Uint64
	results  [event.Cancelled + 1]atomic.Uint64
}

// Stats is a point-in-time view of the daemon's counters.
type Stats struct {
	Sent     uint64            `json:"sent"`
	Received uint64            `json:"received"`
	Rejected uint64            `json:"rejected"`
	Results  map[string]uint64 `json:"results"`
	Running  int               `json:"running"`
	Extended int               `json:"extended"`
	Contacts int               `json:"contacts"`
	Groups   int               `json:"groups"`
	Plugins  []string          `json:"plugins"`
	Uptime   time.Duration     `json:"uptime"`
}

func (d *Daemon) Stats() Stats {
	s := Stats{
		Sent:     d.stats.sent.Load(),
		Received: d.stats.received.Load(),
		Rejected: d.stats.rejected.Load(),
		Results:  make(map[string]uint64),
		Running:  d.table.Len(),
		Extended: d.table.LenExtended(),
		Contacts: d.reg.NumUsers(),
		Groups:   d.reg.NumGroups(),
		Plugins:  d.bus.Plugins(),
		Uptime:   time.Since(d.started),
	}
	for r := event.Success; r <= event.Cancelled; r++ {
		if n := d.stats.results[r].Load(); n > 0 {
			s.Results[r.String()] = n
		}
	}
	return s
}

// ResetStats zeroes every counter.
func (d *Daemon) ResetStats() {
	d.stats.sent.Store(0)
	d.stats.received.Store(0)
	d.stats.rejected.Store(0)
	for i := range d.stats.results {
		d.stats.results[i].Store(0)
	}
}
