package batch

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/treeverse/clusterkv/pkg/status"
)

// Stats are the batch executor metrics. A nil *Stats records nothing.
type Stats struct {
	callDuration   *prometheus.HistogramVec
	nodeCommands   *prometheus.CounterVec
	retries        *prometheus.CounterVec
	inDoubt        prometheus.Counter
	commandBytes   prometheus.Histogram
	recordsPerCall prometheus.Histogram
}

// NewStats creates the executor metrics and registers them with reg. A nil
// reg leaves them unregistered.
func NewStats(reg prometheus.Registerer) *Stats {
	factory := promauto.With(reg)
	return &Stats{
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clusterkv_batch_call_duration_seconds",
			Help:    "Duration of batch calls",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"mode", "result"}),
		nodeCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterkv_batch_node_commands_total",
			Help: "Node commands sent by batch calls, by outcome",
		}, []string{"outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterkv_batch_retries_total",
			Help: "Node command retries, by kind",
		}, []string{"kind"}),
		inDoubt: factory.NewCounter(prometheus.CounterOpts{
			Name: "clusterkv_batch_in_doubt_records_total",
			Help: "Write records whose outcome is unknown",
		}),
		commandBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clusterkv_batch_command_bytes",
			Help:    "Size of node commands on the wire",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		recordsPerCall: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clusterkv_batch_records_per_call",
			Help:    "Number of records in a batch call",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, status.ErrTimeoutKind):
		return "timeout"
	case errors.Is(err, status.ErrNetwork):
		return "network"
	case errors.Is(err, status.ErrBatchFailedKind):
		return "row_error"
	case errors.Is(err, status.ErrServerKind):
		return "server_error"
	}
	return "client_error"
}

func (s *Stats) observeCall(mode string, records int, start time.Time, err error) {
	if s == nil {
		return
	}
	s.callDuration.WithLabelValues(mode, outcome(err)).Observe(time.Since(start).Seconds())
	s.recordsPerCall.Observe(float64(records))
}

func (s *Stats) observeCommand(size int, err error) {
	if s == nil {
		return
	}
	s.nodeCommands.WithLabelValues(outcome(err)).Inc()
	if size > 0 {
		s.commandBytes.Observe(float64(size))
	}
}

func (s *Stats) observeRetry(kind string) {
	if s == nil {
		return
	}
	s.retries.WithLabelValues(kind).Inc()
}

func (s *Stats) observeInDoubt() {
	if s == nil {
		return
	}
	s.inDoubt.Inc()
}
