// Package metrics records per-run loader metrics and pushes them to a Pushgateway.
package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Recorder holds the metrics of one run in its own registry.
type Recorder struct {
	registry      *prometheus.Registry
	stageDuration *prometheus.GaugeVec
	stageRows     *prometheus.GaugeVec
	runStatus     *prometheus.GaugeVec
	lastSuccess   prometheus.Gauge
}

// NewRecorder returns a Recorder with an empty registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etl_stage_duration_seconds",
			Help: "Wall time of the last execution of each loader stage.",
		}, []string{"stage"}),
		stageRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etl_stage_rows",
			Help: "Rows affected by the last execution of each loader stage, by kind.",
		}, []string{"stage", "kind"}),
		runStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etl_run_status",
			Help: "1 for the status of the last run, 0 otherwise.",
		}, []string{"status"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "etl_run_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		}),
	}
	r.registry.MustRegister(r.stageDuration, r.stageRows, r.runStatus, r.lastSuccess)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveStage records a finished stage.
func (r *Recorder) ObserveStage(stage string, d time.Duration, rows map[string]int64) {
	r.stageDuration.WithLabelValues(stage).Set(d.Seconds())
	for kind, n := range rows {
		r.stageRows.WithLabelValues(stage, kind).Set(float64(n))
	}
}

// ObserveRun records the outcome of a run.
func (r *Recorder) ObserveRun(status string, finished time.Time) {
	r.runStatus.Reset()
	r.runStatus.WithLabelValues(status).Set(1)
	if status == "SUCCEEDED" {
		r.lastSuccess.Set(float64(finished.Unix()))
	}
}

// Pusher sends a registry to a Prometheus Pushgateway.
type Pusher struct {
	endpoint string
	job      string
	grouping map[string]string
}

// NewPusher returns a pusher, or nil when endpoint is empty.
func NewPusher(endpoint, job string, grouping map[string]string) *Pusher {
	if strings.TrimSpace(endpoint) == "" {
		return nil
	}
	return &Pusher{endpoint: strings.TrimSpace(endpoint), job: strings.TrimSpace(job), grouping: grouping}
}

// Push replaces the job's metric group on the Pushgateway. A nil Pusher does nothing.
func (p *Pusher) Push(ctx context.Context, registry *prometheus.Registry) error {
	if p == nil || registry == nil {
		return nil
	}
	if p.job == "" {
		return errors.New("pushgateway job is required")
	}

	pusher := push.New(p.endpoint, p.job).Gatherer(registry)
	for key, value := range p.grouping {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		pusher = pusher.Grouping(key, value)
	}
	return pusher.PushContext(ctx)
}
