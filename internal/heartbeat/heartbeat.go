// Package heartbeat implements the supervisor liveness signal: a small
// JSON message published periodically onto the bus so other
// supervisors and monitoring clients can detect a dead or hung
// process. The emitter's ticker-driven background loop and
// wg-tracked shutdown are grounded on the teacher's
// pkg/task_manager.cleanupLoop/Cleanup pattern.
package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ias/internal/apperr"
	"ias/internal/bus"
	"ias/internal/metrics"
	"ias/internal/wire"
)

// Status is the supervisor lifecycle status carried on every heartbeat.
type Status string

const (
	StartingUp      Status = "STARTING_UP"
	Running         Status = "RUNNING"
	Paused          Status = "PAUSED"
	Exiting         Status = "EXITING"
	ShutDown        Status = "SHUT_DOWN"
	PartiallyRunning Status = "PARTIALLY_RUNNING"
)

// Message is the heartbeat payload: the supervisor's id, the time it
// was produced, its lifecycle status, and (supplementary, beyond the
// minimum wire shape) the DASU ids it currently hosts.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	HostedDUs []string  `json:"hostedDus,omitempty"`
}

// Encode serializes a Message to JSON.
func Encode(m Message) ([]byte, error) {
	const op = "Encode"
	data, err := json.Marshal(m)
	if err != nil {
		return nil, apperr.New(apperr.CodeEncodeFailed, "heartbeat", op, "marshaling heartbeat").Wrap(err)
	}
	return data, nil
}

// Decode parses a heartbeat message from JSON.
func Decode(data []byte) (Message, error) {
	const op = "Decode"
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, apperr.New(apperr.CodeDecodeMalformed, "heartbeat", op, "unmarshaling heartbeat").Wrap(err)
	}
	return m, nil
}

// Emitter periodically publishes a Message carrying the supervisor's
// current lifecycle status and hosted DU ids.
type Emitter struct {
	supervisorID  string
	fullRunningID string
	hostedDUs     func() []string
	publisher     bus.Publisher
	logger        *logrus.Logger

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Emitter. fullRunningID is the wire topic the heartbeat
// is published to; hostedDUs is called on every tick to report the
// current fleet, so it reflects hosts added or removed after Start.
// The initial status is STARTING_UP.
func New(supervisorID, fullRunningID string, hostedDUs func() []string, publisher bus.Publisher, logger *logrus.Logger) *Emitter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Emitter{
		supervisorID:  supervisorID,
		fullRunningID: fullRunningID,
		hostedDUs:     hostedDUs,
		publisher:     publisher,
		logger:        logger,
		status:        StartingUp,
	}
}

// SetStatus changes the status reported on the next tick and emits
// immediately, so lifecycle transitions (start, pause, shutdown) are
// visible without waiting for the next tick.
func (e *Emitter) SetStatus(ctx context.Context, status Status) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	e.emit(ctx)
}

// Start begins emitting every interval. Start must be called at most once.
func (e *Emitter) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.emit(ctx)
			}
		}
	}()
}

func (e *Emitter) emit(ctx context.Context) {
	now := time.Now()
	e.mu.Lock()
	status := e.status
	e.mu.Unlock()

	msg := Message{ID: e.supervisorID, Timestamp: now, Status: status, HostedDUs: e.hostedDUs()}
	payload, err := Encode(msg)
	if err != nil {
		e.logger.WithError(err).Warn("failed to encode heartbeat")
		return
	}

	v := wire.Value{
		FullRunningID: e.fullRunningID,
		Type:          wire.String,
		Payload:       string(payload),
		Mode:          wire.Operational,
		Validity:      wire.Reliable,
		Timestamps:    wire.Timestamps{DASUProduction: &now},
	}
	if err := e.publisher.Publish(ctx, v); err != nil {
		e.logger.WithError(err).WithField("supervisor_id", e.supervisorID).Warn("failed to publish heartbeat")
		return
	}
	metrics.SupervisorHeartbeatsTotal.WithLabelValues(e.supervisorID).Inc()
}

// Stop emits a final SHUT_DOWN heartbeat, cancels the emitter, and
// waits for its goroutine to exit.
func (e *Emitter) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	e.SetStatus(context.Background(), ShutDown)
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}
