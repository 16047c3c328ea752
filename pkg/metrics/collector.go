package metrics

import (
	"time"

	"github.com/driftsky/pdsmover/pkg/storage"
)

// Collector periodically samples gauge metrics from the store.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectMigrationMetrics()
	c.collectJobMetrics()
}

func (c *Collector) collectMigrationMetrics() {
	migrations, err := c.store.ListMigrations()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, m := range migrations {
		counts[string(m.Status)]++
	}
	MigrationsTotal.Reset()
	for status, n := range counts {
		MigrationsTotal.WithLabelValues(status).Set(float64(n))
	}

	active, err := c.store.CountActiveBlobMigrations()
	if err != nil {
		return
	}
	ActiveBlobMigrations.Set(float64(active))
}

func (c *Collector) collectJobMetrics() {
	jobs, err := c.store.ListJobs()
	if err != nil {
		return
	}
	JobsQueued.Set(float64(len(jobs)))
}
