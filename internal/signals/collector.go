package signals

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-guard/pkg/domain"
)

// CollectorConfig bounds the raw sample buffers.
type CollectorConfig struct {
	// Shards is the number of independently locked buffers.
	Shards int
	// MaxBufferedPerShard caps undrained samples per shard; further samples are dropped.
	MaxBufferedPerShard int
	// RawRetention drops samples older than this when they are drained.
	RawRetention time.Duration
	Now          func() time.Time
}

// DefaultCollectorConfig returns sensible defaults.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Shards:              16,
		MaxBufferedPerShard: 65536,
		RawRetention:        15 * time.Minute,
	}
}

// Collector is the append-only ingest side of golden signal telemetry.
// Record never reads or rewrites aggregates; it only appends.
type Collector struct {
	shards    []*collectorShard
	maxPer    int
	retention time.Duration
	now       func() time.Time

	dropped atomic.Uint64
	expired atomic.Uint64
}

type collectorShard struct {
	mu      sync.Mutex
	samples []domain.GoldenSignalSample
}

// NewCollector creates a collector.
func NewCollector(cfg CollectorConfig) *Collector {
	d := DefaultCollectorConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = d.Shards
	}
	if cfg.MaxBufferedPerShard <= 0 {
		cfg.MaxBufferedPerShard = d.MaxBufferedPerShard
	}
	if cfg.RawRetention <= 0 {
		cfg.RawRetention = d.RawRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Collector{
		shards:    make([]*collectorShard, cfg.Shards),
		maxPer:    cfg.MaxBufferedPerShard,
		retention: cfg.RawRetention,
		now:       cfg.Now,
	}
	for i := range c.shards {
		c.shards[i] = &collectorShard{}
	}
	return c
}

// Record appends one observation. A zero timestamp means now.
func (c *Collector) Record(service string, metric domain.MetricType, value float64, ts time.Time) error {
	if ts.IsZero() {
		ts = c.now()
	}
	return c.RecordSample(domain.GoldenSignalSample{
		Service:    service,
		MetricType: metric,
		Value:      value,
		Timestamp:  ts,
	})
}

// RecordSample appends a prepared sample after validating it.
func (c *Collector) RecordSample(s domain.GoldenSignalSample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}

	shard := c.shardFor(s.Service)
	shard.mu.Lock()
	if len(shard.samples) >= c.maxPer {
		shard.mu.Unlock()
		c.dropped.Add(1)
		return nil
	}
	shard.samples = append(shard.samples, s)
	shard.mu.Unlock()
	return nil
}

func (c *Collector) shardFor(service string) *collectorShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(service))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Drain swaps out every buffer and returns the samples that are still within
// raw retention.
func (c *Collector) Drain() []domain.GoldenSignalSample {
	cutoff := c.now().Add(-c.retention)

	var out []domain.GoldenSignalSample
	for _, shard := range c.shards {
		shard.mu.Lock()
		batch := shard.samples
		shard.samples = nil
		shard.mu.Unlock()

		for _, s := range batch {
			if s.Timestamp.Before(cutoff) {
				c.expired.Add(1)
				continue
			}
			out = append(out, s)
		}
	}
	return out
}

// Buffered returns the number of undrained samples.
func (c *Collector) Buffered() int {
	n := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		n += len(shard.samples)
		shard.mu.Unlock()
	}
	return n
}

// Dropped returns the number of samples rejected because a buffer was full.
func (c *Collector) Dropped() uint64 {
	return c.dropped.Load()
}

// Expired returns the number of samples discarded for exceeding raw retention.
func (c *Collector) Expired() uint64 {
	return c.expired.Load()
}
