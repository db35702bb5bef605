// metrics/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package metrics declares the Prometheus collectors that dbk updates
// during a run. dbk is a command rather than a server, so the values are
// written out at exit in the node exporter's textfile format.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/mmp/dbk/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// Keys for dbk metrics.
const (
	SourceBytesTotalKey      = "dbk_source_bytes_total"
	FilesTotalKey            = "dbk_files_total"
	VolumesSealedTotalKey    = "dbk_volumes_sealed_total"
	SealedBytesTotalKey      = "dbk_sealed_bytes_total"
	BackendOpsTotalKey       = "dbk_backend_ops_total"
	BackendOpSecondsKey      = "dbk_backend_op_duration_seconds"
	BackendBytesTotalKey     = "dbk_backend_bytes_total"
	ErrorsTotalKey           = "dbk_errors_total"
	RestoredBytesTotalKey    = "dbk_restored_bytes_total"
	LastSuccessTimestampKey  = "dbk_last_success_timestamp_seconds"
	BackupDurationSecondsKey = "dbk_backup_duration_seconds"
)

// Collectors for dbk metrics.
var (
	SourceBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: SourceBytesTotalKey,
		Help: "Cumulative number of bytes read from the backup source.",
	})
	FilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FilesTotalKey,
		Help: "Cumulative number of paths backed up, by change.",
	}, []string{"change"})
	VolumesSealedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: VolumesSealedTotalKey,
		Help: "Cumulative number of volumes sealed and stored.",
	})
	SealedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: SealedBytesTotalKey,
		Help: "Cumulative number of sealed bytes stored, including manifests and signatures.",
	})
	BackendOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: BackendOpsTotalKey,
		Help: "Cumulative number of backend operations.",
	}, []string{"op", "status"})
	BackendOpSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    BackendOpSecondsKey,
		Help:    "Duration of backend operations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"op"})
	BackendBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: BackendBytesTotalKey,
		Help: "Cumulative number of bytes transferred to and from the backend.",
	}, []string{"op"})
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ErrorsTotalKey,
		Help: "Cumulative number of errors, by kind.",
	}, []string{"kind"})
	RestoredBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: RestoredBytesTotalKey,
		Help: "Cumulative number of file bytes restored.",
	})
	LastSuccessTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: LastSuccessTimestampKey,
		Help: "Time at which the last successful backup finished.",
	})
	BackupDurationSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: BackupDurationSecondsKey,
		Help: "Duration of the last backup.",
	})
)

func DbkCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		SourceBytesTotal,
		FilesTotal,
		VolumesSealedTotal,
		SealedBytesTotal,
		BackendOpsTotal,
		BackendOpSeconds,
		BackendBytesTotal,
		ErrorsTotal,
		RestoredBytesTotal,
		LastSuccessTimestamp,
		BackupDurationSeconds,
	}
}

// NewRegistry returns a registry holding the dbk collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(DbkCollectors()...)
	return reg
}

// WriteTextfile writes the current values of the dbk collectors to path,
// atomically, for the node exporter's textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, NewRegistry())
}

///////////////////////////////////////////////////////////////////////////
// Backend instrumentation

type instrumented struct {
	storage.Backend
}

// Instrument returns a Backend that records its operations in
// BackendOpsTotal, BackendOpSeconds and BackendBytesTotal.
func Instrument(b storage.Backend) storage.Backend {
	return &instrumented{b}
}

func observe(op string, start time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	BackendOpsTotal.WithLabelValues(op, status).Inc()
	BackendOpSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (b *instrumented) Put(ctx context.Context, name string, data []byte) error {
	start := time.Now()
	err := b.Backend.Put(ctx, name, data)
	observe("put", start, err)
	if err == nil {
		BackendBytesTotal.WithLabelValues("put").Add(float64(len(data)))
	}
	return err
}

func (b *instrumented) Get(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	data, err := b.Backend.Get(ctx, name)
	observe("get", start, err)
	BackendBytesTotal.WithLabelValues("get").Add(float64(len(data)))
	return data, err
}

func (b *instrumented) List(ctx context.Context) ([]string, error) {
	start := time.Now()
	names, err := b.Backend.List(ctx)
	observe("list", start, err)
	return names, err
}

func (b *instrumented) Delete(ctx context.Context, name string) error {
	start := time.Now()
	err := b.Backend.Delete(ctx, name)
	observe("delete", start, err)
	return err
}
