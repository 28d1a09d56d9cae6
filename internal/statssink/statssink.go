// Package statssink implements the statistics sink a distributed unit
// reports its activity to: counts of values received, CEs evaluated,
// values published, and throttled bursts.
package statssink

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ias/internal/metrics"
)

// Stats is a point-in-time snapshot of one DU's activity counters.
type Stats struct {
	InputsReceived   int64
	CEsEvaluated     int64
	ValuesPublished  int64
	ThrottledBursts  int64
	LastPublish      time.Time
}

// Sink receives activity notifications from a distributed unit. All
// methods must be safe for concurrent use: a DU may call them from its
// bus-delivery goroutine and its auto-refresh timer goroutine at once.
type Sink interface {
	RecordInputsReceived(n int)
	RecordCEsEvaluated(n int)
	RecordValuesPublished(n int)
	RecordThrottled()
	Snapshot() Stats
}

// Logrus is the default Sink: LogPeriodically logs snapshots at Info
// the way the teacher's stats_collector.go logs queue/retry warnings,
// and the published-values and throttled-burst counters are mirrored
// into the matching Prometheus collectors from internal/metrics.
type Logrus struct {
	duID   string
	logger *logrus.Logger

	mu    sync.Mutex
	stats Stats
}

// NewLogrus constructs a Logrus sink for the DU identified by duID.
func NewLogrus(duID string, logger *logrus.Logger) *Logrus {
	return &Logrus{duID: duID, logger: logger}
}

func (l *Logrus) RecordInputsReceived(n int) {
	l.mu.Lock()
	l.stats.InputsReceived += int64(n)
	l.mu.Unlock()
}

func (l *Logrus) RecordCEsEvaluated(n int) {
	l.mu.Lock()
	l.stats.CEsEvaluated += int64(n)
	l.mu.Unlock()
}

func (l *Logrus) RecordValuesPublished(n int) {
	l.mu.Lock()
	l.stats.ValuesPublished += int64(n)
	l.stats.LastPublish = time.Now()
	l.mu.Unlock()

	metrics.DUValuesPublishedTotal.WithLabelValues(l.duID).Add(float64(n))
}

func (l *Logrus) RecordThrottled() {
	l.mu.Lock()
	l.stats.ThrottledBursts++
	l.mu.Unlock()

	metrics.DUThrottledTotal.WithLabelValues(l.duID).Inc()
}

func (l *Logrus) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// LogPeriodically logs a snapshot at the given interval until stop is
// closed, grounded on the teacher's RunStatsUpdater ticker loop.
func (l *Logrus) LogPeriodically(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap := l.Snapshot()
			l.logger.WithFields(logrus.Fields{
				"du_id":             l.duID,
				"inputs_received":   snap.InputsReceived,
				"ces_evaluated":     snap.CEsEvaluated,
				"values_published":  snap.ValuesPublished,
				"throttled_bursts":  snap.ThrottledBursts,
			}).Info("du stats")
		}
	}
}
