package metrics

import (
	"time"

	"github.com/cuemby/parallel/pkg/registry"
)

// Collector periodically samples the Worker Registry and publishes its
// counts as gauges, the same poll-and-set shape the teacher's Collector
// used against its manager.
type Collector struct {
	workers *registry.Workers
	stopCh  chan struct{}
}

// NewCollector returns a Collector that samples workers.
func NewCollector(workers *registry.Workers) *Collector {
	return &Collector{
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// Start begins periodic collection every 15 seconds until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	connected, failed := 0, 0
	for _, h := range c.workers.All() {
		if h.Failed() {
			failed++
		} else {
			connected++
		}
	}
	WorkersTotal.WithLabelValues("connected").Set(float64(connected))
	WorkersTotal.WithLabelValues("failed").Set(float64(failed))
	ConnectionsActive.Set(float64(connected))
}
