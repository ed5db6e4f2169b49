// Package dbmetrics holds the query metrics shared by the SQL stores.
package dbmetrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLabels  = []string{"query", "success", "db"}
	databaseTimer = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vulnsync",
		Subsystem: "datastore",
		Name:      "query_duration_seconds",
		Help:      "Database query duration for noted query, including data read time.",
	}, metricLabels)
	databaseCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vulnsync",
		Subsystem: "datastore",
		Name:      "query_total",
		Help:      "Database query count for noted query.",
	}, metricLabels)
)

// Observe starts timing the named query against db. The returned function
// records the duration and outcome; it reads *err when called, so it's
// meant to be deferred with a named error return:
//
//	defer dbmetrics.Observe("postgres", "putrecords", &err)()
func Observe(db, query string, err *error) func() {
	labels := prometheus.Labels{"query": query, "db": db}
	timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		databaseTimer.With(labels).Observe(v)
	}))
	return func() {
		labels["success"] = strconv.FormatBool(errors.Is(*err, nil))
		databaseCounter.With(labels).Inc()
		timer.ObserveDuration()
	}
}
