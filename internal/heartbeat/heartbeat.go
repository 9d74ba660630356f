// Package heartbeat implements a periodic probe dispatched through the call
// orchestrator that keeps the liveness latch fulfilled while the peer
// answers, and declares the connection timed out once it has been silent
// past the inactivity timeout.
package heartbeat

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/buildxl/distproxy/internal/latch"
	"github.com/buildxl/distproxy/internal/metrics"
	"github.com/buildxl/distproxy/internal/tracker"
)

// DefaultInterval is how often the supervisor probes the peer.
const DefaultInterval = 5 * time.Second

// DefaultInactivityTimeout bounds how long a connection may go without a
// successful heartbeat before the supervisor declares it timed out.
const DefaultInactivityTimeout = 60 * time.Second

// Prober performs one heartbeat round trip. The supervisor calls it allowing
// one attempt with the connection inactive — retries, if any, are the
// caller's concern, not the supervisor's.
type Prober func(ctx context.Context) error

// Callbacks are invoked at the supervisor's lifecycle points: activating a
// connection after a successful probe, deactivating it before retrying, and
// reacting to a declared timeout.
type Callbacks struct {
	OnActivate          func()
	OnDeactivate        func()
	OnConnectionTimeout func()
}

// Supervisor owns the scheduled heartbeat job and the liveness latch it
// drives.
type Supervisor struct {
	interval          time.Duration
	inactivityTimeout time.Duration
	prober            Prober
	latch             *latch.Latch
	callbacks         Callbacks
	metrics           metrics.Sink
	logger            *zap.Logger
	onTransition      func(tracker.Snapshot)
	sched             gocron.Scheduler
	job               gocron.Job
	lastSuccess       time.Time
	timedOut          bool
}

// Config bundles Supervisor construction parameters.
type Config struct {
	Interval          time.Duration
	InactivityTimeout time.Duration
	Prober            Prober
	Latch             *latch.Latch
	Callbacks         Callbacks
	Metrics           metrics.Sink
	Logger            *zap.Logger
	// OnTransition, if set, is invoked after every tick transition — the same
	// hook Manager wires its call tracker through, so the heartbeat
	// side-track and application calls feed one observability stream.
	OnTransition func(tracker.Snapshot)
}

// New constructs a Supervisor. Call Start to begin scheduling.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		interval:          cfg.Interval,
		inactivityTimeout: cfg.InactivityTimeout,
		prober:            cfg.Prober,
		latch:             cfg.Latch,
		callbacks:         cfg.Callbacks,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger.Named("heartbeat"),
		onTransition:      cfg.OnTransition,
		sched:             sched,
		lastSuccess:       time.Now(),
	}, nil
}

// Start begins the periodic probe. Calling Start twice is a no-op.
func (s *Supervisor) Start() error {
	if s.job != nil {
		return nil
	}
	job, err := s.sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.tick),
	)
	if err != nil {
		return err
	}
	s.job = job
	s.sched.Start()
	return nil
}

// Shutdown stops the scheduler without rescheduling further probes — the
// HeartbeatTimerShutdown transition, entered when the manager is torn down
// rather than timed out.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	t := tracker.New(uuid.New(), "HeartbeatTick")
	s.transition(t, tracker.StateHeartbeatTimerShutdown)
	s.logger.Debug("heartbeat timer shutdown")
	return s.sched.Shutdown()
}

// TimedOut reports whether the supervisor has declared the connection dead.
func (s *Supervisor) TimedOut() bool { return s.timedOut }

// transition records a tick-tracker state change and mirrors it to
// onTransition, if a caller registered one.
func (s *Supervisor) transition(t *tracker.Tracker, state tracker.State) {
	t.Transition(state)
	if s.onTransition != nil {
		s.onTransition(t.Snapshot())
	}
}

// tick runs one heartbeat round through its own abbreviated state machine:
// HeartbeatBeforeCall, the probe itself, HeartbeatAfterCall, then
// HeartbeatSuccess/HeartbeatAfterActivateConnection on success or
// HeartbeatTimerInactive/HeartbeatDeactivateTimer on failure, ending in
// HeartbeatQueueTimer (reschedule) or HeartbeatTimerShutdown (inactivity
// timeout declared).
func (s *Supervisor) tick() {
	if s.timedOut {
		return
	}

	t := tracker.New(uuid.New(), "HeartbeatTick")
	s.transition(t, tracker.StateHeartbeatBeforeCall)

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	err := s.prober(ctx)
	s.transition(t, tracker.StateHeartbeatAfterCall)

	if err == nil {
		s.lastSuccess = time.Now()
		s.latch.Fulfill()
		s.metrics.HeartbeatSucceeded()
		if s.callbacks.OnActivate != nil {
			s.callbacks.OnActivate()
		}
		s.transition(t, tracker.StateHeartbeatSuccess)
		s.transition(t, tracker.StateHeartbeatAfterActivateConn)
		s.transition(t, tracker.StateHeartbeatQueueTimer)
		s.logger.Debug("heartbeat succeeded")
		return
	}

	s.metrics.HeartbeatFailed()
	if s.callbacks.OnDeactivate != nil {
		s.callbacks.OnDeactivate()
	}
	s.transition(t, tracker.StateHeartbeatTimerInactive)
	s.transition(t, tracker.StateHeartbeatDeactivateTimer)

	if time.Since(s.lastSuccess) > s.inactivityTimeout {
		s.timedOut = true
		s.latch.MakeTerminal()
		s.metrics.HeartbeatTimedOut()
		s.logger.Warn("heartbeat inactivity timeout reached",
			zap.Duration("since_last_success", time.Since(s.lastSuccess)),
			zap.Duration("inactivity_timeout", s.inactivityTimeout),
		)
		if s.callbacks.OnConnectionTimeout != nil {
			s.callbacks.OnConnectionTimeout()
		}
		_ = s.sched.Shutdown()
		s.transition(t, tracker.StateHeartbeatTimerShutdown)
		return
	}

	s.transition(t, tracker.StateHeartbeatQueueTimer)
	s.logger.Debug("heartbeat failed, will retry",
		zap.Error(err),
		zap.Duration("since_last_success", time.Since(s.lastSuccess)),
	)
}
