// Package supervisor implements the process-level host for a set of
// distributed units: it multiplexes one inbound bus subscription out to
// each DU's declared inputs, merges every DU's published output back
// onto one outbound publisher, and emits a liveness heartbeat. Its
// Start/Stop/Run lifecycle and signal-driven shutdown are grounded on
// the teacher's internal/app.App.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ias/internal/apperr"
	"ias/internal/bus"
	"ias/internal/configstore"
	"ias/internal/du"
	"ias/internal/heartbeat"
	"ias/internal/ident"
	"ias/internal/metrics"
	"ias/internal/topology"
	"ias/internal/wire"
)

// DUFactory builds a *du.DU from its definition. pubsub is the
// Supervisor itself, acting as a pass-through publisher and fan-out
// subscriber for the DU it builds. ageThreshold is the supervisor's
// auto_refresh_interval+tolerance, passed through so the DU can
// downgrade stale output validity the same way the supervisor judges
// its own inbound liveness.
type DUFactory func(def configstore.DUDefinition, pubsub bus.PubSub, logger *logrus.Logger, ageThreshold time.Duration) (*du.DU, error)

// BuildTopology translates a DU definition's flat CE list into a
// validated Topology.
func BuildTopology(def configstore.DUDefinition) (*topology.Topology, error) {
	ceDefs := make([]topology.CEDef, len(def.CEs))
	for i, c := range def.CEs {
		ceDefs[i] = topology.CEDef{
			ID:                  c.ID,
			OutputID:            c.OutputID,
			OutputFullRunningID: c.OutputFullRunningID,
			Inputs:              c.Inputs,
			TFName:              c.TFName,
			TFParams:            c.TFParams,
		}
	}
	published := make(map[string]bool, len(def.PublishedOutputs))
	for _, o := range def.PublishedOutputs {
		published[o] = true
	}
	return topology.Build(ceDefs, published)
}

// DefaultDUFactory returns the factory used by the CLI: build the
// topology, then construct a DU over it with opts applied after the
// definition's own throttle interval.
func DefaultDUFactory(opts ...du.Option) DUFactory {
	return func(def configstore.DUDefinition, pubsub bus.PubSub, logger *logrus.Logger, ageThreshold time.Duration) (*du.DU, error) {
		topo, err := BuildTopology(def)
		if err != nil {
			return nil, err
		}
		published := make(map[string]bool, len(def.PublishedOutputs))
		for _, o := range def.PublishedOutputs {
			published[o] = true
		}
		allOpts := append([]du.Option{
			du.WithThrottle(def.ThrottleMinInterval),
			du.WithLogger(logger),
			du.WithAgeThreshold(ageThreshold),
		}, opts...)
		return du.New(def.ID.Local(), topo, published, def.ExternalInputs, pubsub, allOpts...)
	}
}

// ExpandTemplate resolves a templated DU id (e.g. "dasu-%d") to a
// concrete local id for the given instance number, rejecting an
// instance outside [min, max] rather than clamping it: an
// out-of-bounds instance number is a configuration mistake, and
// clamping would silently deploy the wrong DU.
func ExpandTemplate(pattern string, instance, min, max int) (string, error) {
	const op = "ExpandTemplate"
	if instance < min || instance > max {
		return "", apperr.New(apperr.CodeConfigInvalid, "supervisor", op,
			"template instance out of bounds")
	}
	return fmt.Sprintf(pattern, instance), nil
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithLogger overrides the default logrus.StandardLogger.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMetricsServer attaches a metrics.Server whose lifecycle the
// Supervisor owns: started in Start, stopped in Cleanup, and whose
// /ready endpoint reflects whether the Supervisor has finished Start.
func WithMetricsServer(srv *metrics.Server) Option {
	return func(s *Supervisor) { s.metricsServer = srv }
}

// WithHeartbeatInterval overrides the default heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.heartbeatInterval = d }
}

// WithAutoRefreshInterval overrides the default DU auto-refresh period
// (the auto_send_period of spec.md's age-threshold calculation).
func WithAutoRefreshInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.autoRefreshInterval = d }
}

// WithTolerance overrides the default tolerance margin added to the
// auto-refresh period when deciding whether an inbound Value arrived
// too slowly (validity_time_frame = auto_send_period + tolerance).
func WithTolerance(d time.Duration) Option {
	return func(s *Supervisor) { s.tolerance = d }
}

const (
	defaultHeartbeatInterval   = 5 * time.Second
	defaultAutoRefreshInterval = 10 * time.Second
	defaultTolerance           = 2 * time.Second
)

// registration is one DU's fan-out subscription, recorded when the DU
// calls Supervisor.Subscribe during its own Start.
type registration struct {
	duID    string
	topics  map[string]bool
	handler bus.Handler
}

// Stats is a point-in-time snapshot of supervisor-level activity.
type Stats struct {
	TotalInputsReceived int64
	PerDUInputsReceived map[string]int64
	TotalPropagation    time.Duration
}

// Supervisor hosts a fixed set of distributed units built from
// configstore definitions, fans inbound values out to them, and merges
// their outbound values onto one outbound publisher.
type Supervisor struct {
	id            string
	fullRunningID string

	publisher    bus.Publisher
	subscriber   bus.Subscriber
	heartbeat    *heartbeat.Emitter
	configReader configstore.Reader
	factory      DUFactory

	logger              *logrus.Logger
	metricsServer       *metrics.Server
	heartbeatInterval   time.Duration
	autoRefreshInterval time.Duration
	tolerance           time.Duration

	mu            sync.Mutex
	dus           map[string]*du.DU
	registrations []*registration
	started       bool

	statsMu sync.Mutex
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Supervisor that will host hostedDUIDs once Setup is
// called. id is the supervisor's local identifier.
func New(id string, publisher bus.Publisher, subscriber bus.Subscriber, hb *heartbeat.Emitter,
	configReader configstore.Reader, factory DUFactory, opts ...Option) (*Supervisor, error) {
	const op = "New"
	if id == "" {
		return nil, apperr.New(apperr.CodeConfigInvalid, "supervisor", op, "id must not be empty")
	}
	supID, err := ident.New(id, ident.Supervisor, nil)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		id:                  id,
		fullRunningID:       supID.FullRunningID(),
		publisher:           publisher,
		subscriber:          subscriber,
		heartbeat:           hb,
		configReader:        configReader,
		factory:             factory,
		logger:              logrus.StandardLogger(),
		heartbeatInterval:   defaultHeartbeatInterval,
		autoRefreshInterval: defaultAutoRefreshInterval,
		tolerance:           defaultTolerance,
		dus:                 make(map[string]*du.DU),
		stats:               Stats{PerDUInputsReceived: make(map[string]int64)},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Setup resolves and builds every DU named in hostedDUIDs via the
// configuration reader and DU factory. Setup must be called before
// Start.
func (s *Supervisor) Setup(hostedDUIDs []string) error {
	const op = "Setup"
	supID, err := ident.New(s.id, ident.Supervisor, nil)
	if err != nil {
		return err
	}

	for _, localID := range hostedDUIDs {
		duIdent, err := ident.New(localID, ident.DASU, &supID)
		if err != nil {
			return apperr.New(apperr.CodeConfigInvalid, "supervisor", op, "DU id "+localID).Wrap(err)
		}
		def, err := s.configReader.DUDefinition(duIdent)
		if err != nil {
			return apperr.New(apperr.CodeConfigNotFound, "supervisor", op, "resolving DU "+localID).Wrap(err)
		}
		d, err := s.factory(def, s, s.logger, s.autoRefreshInterval+s.tolerance)
		if err != nil {
			return apperr.New(apperr.CodeConfigInvalid, "supervisor", op, "building DU "+localID).Wrap(err)
		}
		s.dus[localID] = d
	}
	metrics.SupervisorDUsHosted.WithLabelValues(s.id).Set(float64(len(s.dus)))
	return nil
}

// HostedDUIDs returns the local ids of every DU this supervisor builds,
// sorted by construction order is not guaranteed; callers needing a
// stable heartbeat listing should sort the result.
func (s *Supervisor) HostedDUIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.dus))
	for id := range s.dus {
		ids = append(ids, id)
	}
	return ids
}

// Publish implements bus.Publisher for the DUs this supervisor hosts:
// every DU publishes through the supervisor, which delegates to the
// real outbound publisher.
func (s *Supervisor) Publish(ctx context.Context, v wire.Value) error {
	return s.publisher.Publish(ctx, v)
}

// Subscribe implements bus.Subscriber for the DUs this supervisor
// hosts: rather than hitting the real bus once per DU, it records the
// registration and Start later issues one real subscription over the
// union of every DU's topics, fanning delivered batches back out to
// each matching registration.
func (s *Supervisor) Subscribe(ctx context.Context, topics []string, handler bus.Handler) error {
	topicSet := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	s.mu.Lock()
	s.registrations = append(s.registrations, &registration{topics: topicSet, handler: handler})
	s.mu.Unlock()
	return nil
}

// Close implements bus.PubSub for the DUs this supervisor hosts. The
// underlying transport is owned and released by the Supervisor itself
// in Cleanup, not by its child DUs, so Close here is a no-op.
func (s *Supervisor) Close() error { return nil }

var _ bus.PubSub = (*Supervisor)(nil)

// Start starts the heartbeat, starts every hosted DU (which registers
// its fan-out subscription via Supervisor.Subscribe), and subscribes
// once to the inbound bus over the union of every DU's declared
// inputs. Start returns failure if already started.
func (s *Supervisor) Start(ctx context.Context) error {
	const op = "Start"
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return apperr.New(apperr.CodeConfigInvalid, "supervisor", op, "supervisor "+s.id+" already started")
	}
	s.started = true
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.heartbeat.SetStatus(s.ctx, heartbeat.Running)
	s.heartbeat.Start(s.ctx, s.heartbeatInterval)

	for id, d := range s.dus {
		before := len(s.registrations)
		if err := d.Start(s.ctx); err != nil {
			return apperr.New(apperr.CodeBusSubscribeFailed, "supervisor", op, "starting DU "+id).Wrap(err)
		}
		s.mu.Lock()
		for i := before; i < len(s.registrations); i++ {
			s.registrations[i].duID = id
		}
		s.mu.Unlock()
		d.EnableAutoRefresh(s.autoRefreshInterval)
	}

	global := s.globalInputTopics()
	if len(global) > 0 {
		if err := s.subscriber.Subscribe(s.ctx, global, s.inputsReceived); err != nil {
			metrics.BusSubscribeErrorsTotal.WithLabelValues("supervisor", s.id).Inc()
			return apperr.New(apperr.CodeBusSubscribeFailed, "supervisor", op, "subscribing inbound topic").Wrap(err)
		}
	}

	if s.metricsServer != nil {
		s.metricsServer.SetReadyCheck(func() bool { return true })
		s.metricsServer.Start()
	}

	s.logger.WithFields(logrus.Fields{"supervisor_id": s.id, "dus": len(s.dus)}).Info("supervisor started")
	return nil
}

func (s *Supervisor) globalInputTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, r := range s.registrations {
		for t := range r.topics {
			seen[t] = true
		}
	}
	topics := make([]string, 0, len(seen))
	for t := range seen {
		topics = append(topics, t)
	}
	return topics
}

// inputsReceived is the real subscriber's delivery callback: it runs
// the liveness check, records statistics, and fans each value out to
// every registered DU whose declared inputs it matches.
func (s *Supervisor) inputsReceived(values []wire.Value) {
	now := time.Now()
	for _, v := range values {
		if v.Timestamps.SentToBus == nil {
			continue
		}
		if age := now.Sub(*v.Timestamps.SentToBus); age > s.autoRefreshInterval+s.tolerance {
			s.logger.WithFields(logrus.Fields{
				"full_running_id": v.FullRunningID, "age": age,
			}).Warn("supervisor too slow")
		}
	}

	s.statsMu.Lock()
	s.stats.TotalInputsReceived += int64(len(values))
	s.statsMu.Unlock()

	s.mu.Lock()
	regs := append([]*registration(nil), s.registrations...)
	s.mu.Unlock()

	for _, r := range regs {
		var subset []wire.Value
		for _, v := range values {
			if r.topics[v.FullRunningID] {
				subset = append(subset, v)
			}
		}
		if len(subset) == 0 {
			continue
		}
		s.statsMu.Lock()
		s.stats.PerDUInputsReceived[r.duID] += int64(len(subset))
		s.statsMu.Unlock()
		r.handler(subset)
	}
}

// Stats returns a snapshot of supervisor-level activity counters.
func (s *Supervisor) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	cp := Stats{TotalInputsReceived: s.stats.TotalInputsReceived, TotalPropagation: s.stats.TotalPropagation,
		PerDUInputsReceived: make(map[string]int64, len(s.stats.PerDUInputsReceived))}
	for k, v := range s.stats.PerDUInputsReceived {
		cp.PerDUInputsReceived[k] = v
	}
	return cp
}

// Cleanup idempotently shuts the supervisor down: heartbeat to
// EXITING, every DU's cleanup, subscriber release, publisher release,
// heartbeat shutdown.
func (s *Supervisor) Cleanup() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	snap := s.Stats()
	s.logger.WithFields(logrus.Fields{
		"supervisor_id": s.id, "total_inputs": snap.TotalInputsReceived,
	}).Info("supervisor statistics at shutdown")

	s.heartbeat.SetStatus(context.Background(), heartbeat.Exiting)

	for id, d := range s.dus {
		if err := d.Close(); err != nil {
			s.logger.WithError(err).WithField("du_id", id).Warn("error closing DU")
		}
	}

	if err := s.subscriber.Close(); err != nil {
		s.logger.WithError(err).Warn("error closing subscriber")
	}
	if err := s.publisher.Close(); err != nil {
		s.logger.WithError(err).Warn("error closing publisher")
	}

	s.heartbeat.Stop()

	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metricsServer.Stop(ctx); err != nil {
			s.logger.WithError(err).Warn("error stopping metrics server")
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.logger.WithField("supervisor_id", s.id).Info("supervisor stopped")
	return nil
}

// Run starts the supervisor and blocks until SIGINT or SIGTERM, then
// calls Cleanup, grounded on the teacher's App.Run.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	s.logger.Info("shutdown signal received")
	return s.Cleanup()
}
