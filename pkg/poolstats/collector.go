// Package poolstats exports pgxpool statistics as Prometheus metrics.
package poolstats

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var _ prometheus.Collector = (*Collector)(nil)

// Stater is a provider of the Stat() function. Implemented by pgxpool.Pool.
type Stater interface {
	Stat() *pgxpool.Stat
}

// stat is the subset of pgxpool.Stat the Collector reads.
type stat interface {
	AcquireCount() int64
	AcquireDuration() time.Duration
	AcquiredConns() int32
	CanceledAcquireCount() int64
	EmptyAcquireCount() int64
	IdleConns() int32
	MaxConns() int32
	TotalConns() int32
	NewConnsCount() int64
}

var _ stat = (*pgxpool.Stat)(nil)

type gauge struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(stat) float64
}

// Collector is a prometheus.Collector reporting the statistics of one pool,
// labeled with its application name.
type Collector struct {
	name   string
	stat   func() stat
	gauges []gauge
}

var staticLabels = []string{"application_name"}

func desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("vulnsync_pgxpool_"+name, help, staticLabels, nil)
}

// NewCollector creates a new Collector to collect stats from pgxpool.
func NewCollector(stater Stater, appname string) *Collector {
	return newCollector(func() stat { return stater.Stat() }, appname)
}

func newCollector(fn func() stat, name string) *Collector {
	return &Collector{
		name: name,
		stat: fn,
		gauges: []gauge{
			{
				desc:  desc("acquires_total", "Cumulative count of successful acquires from the pool."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return float64(s.AcquireCount()) },
			},
			{
				desc:  desc("acquire_duration_seconds_total", "Total duration of all successful acquires from the pool."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return s.AcquireDuration().Seconds() },
			},
			{
				desc:  desc("acquired_conns", "Number of currently acquired connections in the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.AcquiredConns()) },
			},
			{
				desc:  desc("canceled_acquires_total", "Cumulative count of acquires from the pool that were canceled by a context."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return float64(s.CanceledAcquireCount()) },
			},
			{
				desc:  desc("empty_acquires_total", "Cumulative count of acquires that waited because the pool was empty."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return float64(s.EmptyAcquireCount()) },
			},
			{
				desc:  desc("idle_conns", "Number of currently idle conns in the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.IdleConns()) },
			},
			{
				desc:  desc("max_conns", "Maximum size of the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.MaxConns()) },
			},
			{
				desc:  desc("total_conns", "Total number of connections currently in the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.TotalConns()) },
			},
			{
				desc:  desc("new_conns_total", "Cumulative count of new connections opened."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return float64(s.NewConnsCount()) },
			},
		},
	}
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	s := c.stat()
	for _, g := range c.gauges {
		metrics <- prometheus.MustNewConstMetric(g.desc, g.kind, g.value(s), c.name)
	}
}
