// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package manager

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/gordict/bucket"
	"github.com/grailbio/gordict/dict"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gordict"

type metrics struct {
	ops            *prometheus.CounterVec
	lockTimeouts   prometheus.Counter
	bucketsCreated prometheus.Counter
	bucketsDeleted prometheus.Counter
	cacheSize      prometheus.GaugeFunc
}

func newMetrics(cache *dict.Cache) *metrics {
	return &metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Table operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_timeouts_total",
			Help:      "Operations that failed to acquire a table lock in time.",
		}),
		bucketsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buckets_created_total",
			Help:      "Bucket files created.",
		}),
		bucketsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buckets_deleted_total",
			Help:      "Bucket files deleted.",
		}),
		cacheSize: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_tables",
			Help:      "Tables held by the table cache.",
		}, func() float64 { return float64(cache.Len()) }),
	}
}

func (m *metrics) register(r prometheus.Registerer) {
	r.MustRegister(m.ops, m.lockTimeouts, m.bucketsCreated, m.bucketsDeleted, m.cacheSize)
}

func (m *metrics) op(name string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(errors.Timeout, err) {
			m.lockTimeouts.Inc()
		}
	}
	m.ops.WithLabelValues(name, outcome).Inc()
}

func (m *metrics) buckets(res bucket.Result) {
	m.bucketsCreated.Add(float64(len(res.Created)))
	m.bucketsDeleted.Add(float64(len(res.Deleted)))
}
