// Package callmgr implements the call orchestrator and the connection
// manager lifecycle that ties the transport, pool, heartbeat supervisor,
// liveness latch, and call tracker together.
package callmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/buildxl/distproxy/internal/buildsession"
	"github.com/buildxl/distproxy/internal/heartbeat"
	"github.com/buildxl/distproxy/internal/latch"
	"github.com/buildxl/distproxy/internal/metrics"
	"github.com/buildxl/distproxy/internal/pool"
	"github.com/buildxl/distproxy/internal/tracker"
	"github.com/buildxl/distproxy/internal/transport"
	"github.com/buildxl/distproxy/internal/wire"
)

// DefaultMaxTryCount is max_try_count's implementation default.
const DefaultMaxTryCount = 100

// HeartbeatMethod is the reserved method name the supervisor probes.
const HeartbeatMethod = "Heartbeat"

// Events are the three manager-level lifecycle callbacks. Handlers must
// not block — the manager invokes them synchronously from internal tasks.
type Events struct {
	OnActivateConnection   func()
	OnDeactivateConnection func()
	OnConnectionTimeout    func()
}

// Options configures one Call invocation.
type Options struct {
	FunctionName  string
	MaxTryCount   int
	AllowInactive bool
	ShouldRetry   func(*Result) bool
}

// Result is what Call returns: terminal state, attempt accounting, timing,
// and the last failure description.
type Result struct {
	Status                    Status
	FailureReason             FailureReason
	FailureDescription        string
	Attempts                  int
	TotalDuration             time.Duration
	WaitForConnectionDuration time.Duration
	Response                  []byte
}

// lifecycleState tracks the Manager's coarse lifecycle:
// Constructed → Started → (Active ↔ Inactive)* → {Terminated | TimedOut} →
// Disposed.
type lifecycleState int32

const (
	stateConstructed lifecycleState = iota
	stateStarted
	stateTerminated
	stateTimedOut
	stateDisposed
)

// Manager is the connection manager's public surface.
type Manager struct {
	senderName string
	senderID   string
	buildID    string
	signer     *buildsession.Signer

	pool         *pool.Pool
	latch        *latch.Latch
	heartbeat    *heartbeat.Supervisor
	metrics      metrics.Sink
	logger       *zap.Logger
	events       Events
	onTransition func(tracker.Snapshot)

	connectTimeout    time.Duration
	inactivityTimeout time.Duration

	state      atomic.Int32
	shutdownMu sync.Mutex
	shutdownFn context.CancelFunc
	shutdownCx context.Context
}

// Config collects the construction-time parameters of a Manager.
type Config struct {
	SenderName        string
	BuildID           string
	SigningKey        []byte
	Slots             int
	ConnectTimeout    time.Duration
	RefreshTimeout    time.Duration
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	Metrics           metrics.Sink
	Logger            *zap.Logger
	Events            Events
	// OnTransition, if set, is invoked after every call tracker transition —
	// the hook internal/adminapi uses to keep its call registry current.
	OnTransition func(tracker.Snapshot)
	// HeartbeatPayload, if set, is called to build the payload attached to
	// each outgoing heartbeat probe — e.g. a host resource snapshot from
	// internal/health. Nil payload is sent when unset.
	HeartbeatPayload func() []byte
}

// New constructs a Manager in the Constructed state. Call Start to begin
// operation.
func New(cfg Config) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = heartbeat.DefaultInactivityTimeout
	}

	senderID := uuid.New().String()
	m := &Manager{
		senderName:        cfg.SenderName,
		senderID:          senderID,
		buildID:           cfg.BuildID,
		signer:            buildsession.NewSigner(cfg.BuildID, cfg.SigningKey, 0),
		latch:             latch.New(),
		metrics:           cfg.Metrics,
		logger:            cfg.Logger.Named("callmgr"),
		events:            cfg.Events,
		onTransition:      cfg.OnTransition,
		connectTimeout:    cfg.ConnectTimeout,
		inactivityTimeout: cfg.InactivityTimeout,
	}

	// The real dialer is bound once host/port are known, in Start; until
	// then any acquisition attempt fails loudly rather than silently
	// hanging.
	m.pool = pool.New(cfg.Slots, func(ctx context.Context) (transport.Proxy, error) {
		return nil, fmt.Errorf("callmgr: manager not started")
	}, cfg.RefreshTimeout, cfg.Logger)

	hb, err := heartbeat.New(heartbeat.Config{
		Interval:          cfg.HeartbeatInterval,
		InactivityTimeout: cfg.InactivityTimeout,
		Latch:             m.latch,
		Metrics:           cfg.Metrics,
		Logger:            cfg.Logger,
		OnTransition:      cfg.OnTransition,
		Callbacks: heartbeat.Callbacks{
			OnActivate: func() {
				if m.events.OnActivateConnection != nil {
					m.events.OnActivateConnection()
				}
			},
			OnDeactivate: func() {
				if m.events.OnDeactivateConnection != nil {
					m.events.OnDeactivateConnection()
				}
			},
			OnConnectionTimeout: func() {
				m.state.Store(int32(stateTimedOut))
				if m.events.OnConnectionTimeout != nil {
					m.events.OnConnectionTimeout()
				}
			},
		},
		Prober: func(ctx context.Context) error {
			var payload []byte
			if cfg.HeartbeatPayload != nil {
				payload = cfg.HeartbeatPayload()
			}
			res, err := m.Call(ctx, HeartbeatMethod, payload, Options{AllowInactive: true, MaxTryCount: 1})
			if err != nil {
				return err
			}
			if res.Status != StatusSucceeded {
				return fmt.Errorf("heartbeat: %s", res.FailureDescription)
			}
			return nil
		},
	})
	if err != nil {
		cfg.Logger.Error("failed to construct heartbeat supervisor", zap.Error(err))
	}
	m.heartbeat = hb

	m.state.Store(int32(stateConstructed))
	return m
}

// Start binds the manager to host:port and begins the heartbeat timer. Must
// be called exactly once after construction.
func (m *Manager) Start(ctx context.Context, host string, port int, logger *zap.Logger) error {
	if !m.state.CompareAndSwap(int32(stateConstructed), int32(stateStarted)) {
		return fmt.Errorf("callmgr: Start called on a manager that is not Constructed")
	}
	if logger != nil {
		m.logger = logger.Named("callmgr")
	}

	m.shutdownCx, m.shutdownFn = context.WithCancel(context.Background())

	m.pool = pool.New(m.pool.Len(), func(dialCtx context.Context) (transport.Proxy, error) {
		return transport.Connect(dialCtx, host, port, transport.Config{ConnectTimeout: m.connectTimeout}, m.logger)
	}, 0, m.logger)

	if m.heartbeat != nil {
		if err := m.heartbeat.Start(); err != nil {
			return fmt.Errorf("callmgr: start heartbeat: %w", err)
		}
	}
	m.logger.Info("connection manager started", zap.String("host", host), zap.Int("port", port))
	return nil
}

// Terminate cancels outstanding calls; subsequent calls fail. Idempotent.
func (m *Manager) Terminate() {
	prev := lifecycleState(m.state.Swap(int32(stateTerminated)))
	if prev == stateTerminated || prev == stateDisposed {
		m.state.Store(int32(prev))
		return
	}
	m.shutdownMu.Lock()
	if m.shutdownFn != nil {
		m.shutdownFn()
	}
	m.shutdownMu.Unlock()
}

// Dispose terminates and releases resources. Re-dispose is a no-op.
func (m *Manager) Dispose(ctx context.Context) error {
	if lifecycleState(m.state.Load()) == stateDisposed {
		return nil
	}
	m.Terminate()
	var err error
	if m.heartbeat != nil {
		err = multierr.Append(err, m.heartbeat.Shutdown(ctx))
	}
	err = multierr.Append(err, m.pool.Close())
	m.state.Store(int32(stateDisposed))
	return err
}

// isShuttingDown reports whether the manager is mid-or-post termination.
func (m *Manager) isShuttingDown() bool {
	s := lifecycleState(m.state.Load())
	return s == stateTerminated || s == stateDisposed
}

// isTimedOut reports whether the manager has declared the peer unreachable.
func (m *Manager) isTimedOut() bool {
	return lifecycleState(m.state.Load()) == stateTimedOut
}

// mergedContext returns a context canceled when either ctx or the manager's
// shutdown context fires.
func (m *Manager) mergedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	shutdownCx := m.shutdownCx
	if shutdownCx == nil {
		return merged, cancel
	}
	go func() {
		select {
		case <-shutdownCx.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return merged, cancel
}

// transition records a tracker state change and mirrors it to onTransition,
// if a caller registered one.
func (m *Manager) transition(t *tracker.Tracker, state tracker.State) {
	t.Transition(state)
	if m.onTransition != nil {
		m.onTransition(t.Snapshot())
	}
}

// Call is the public call-entry point.
func (m *Manager) Call(ctx context.Context, method string, payload []byte, opts Options) (*Result, error) {
	maxTry := opts.MaxTryCount
	if maxTry <= 0 {
		maxTry = DefaultMaxTryCount
	}

	callCtx, cancel := m.mergedContext(ctx)
	defer cancel()

	callID := uuid.New()
	t := tracker.New(callID, method)
	start := time.Now()

	m.metrics.CallStarted(method)

	var lastFailure string
	var waitDuration time.Duration

	for attempt := 0; attempt < maxTry; attempt++ {
		if attempt > 0 {
			m.transition(t, tracker.StateStarted)
			m.metrics.CallRetried(method)
			// Yield to flatten the async stack between retries.
			select {
			case <-callCtx.Done():
			default:
			}
		} else {
			m.transition(t, tracker.StateStarted)
		}

		m.transition(t, tracker.StateWaitingForConnection)

		if m.isTimedOut() {
			return m.fail(t, start, attempt+1, waitDuration, ReasonPeerTimedOut, "manager declared peer timed out"), nil
		}
		if m.isShuttingDown() {
			return m.fail(t, start, attempt+1, waitDuration, ReasonShutdown, "manager is shutting down"), nil
		}

		if !opts.AllowInactive {
			waitStart := time.Now()
			if !m.latch.Wait(callCtx) {
				waitDuration += time.Since(waitStart)
				select {
				case <-ctx.Done():
					m.transition(t, tracker.StateCanceled)
					return &Result{Status: StatusCancelled, Attempts: attempt + 1, TotalDuration: time.Since(start), WaitForConnectionDuration: waitDuration}, nil
				default:
				}
				if m.isTimedOut() {
					return m.fail(t, start, attempt+1, waitDuration, ReasonPeerTimedOut, "manager declared peer timed out while waiting"), nil
				}
				return m.fail(t, start, attempt+1, waitDuration, ReasonShutdown, "manager shut down while waiting for connection"), nil
			}
			waitDuration += time.Since(waitStart)
		}

		acquired, err := m.pool.Acquire(callCtx)
		if err != nil {
			if opts.AllowInactive {
				lastFailure = err.Error()
				continue
			}
			return m.fail(t, start, attempt+1, waitDuration, ReasonExhaustedRetries, err.Error()), nil
		}

		if acquired.Recreated {
			m.transition(t, tracker.StateRecreateConnection)
		}
		m.transition(t, tracker.StateCompletedWaitForConnection)
		m.transition(t, tracker.StateInitiatedRequest)

		resp, err := m.invoke(callCtx, acquired.Proxy, method, callID, payload)

		if err == nil {
			result := &Result{Status: StatusSucceeded, Attempts: attempt + 1, Response: resp}
			if opts.ShouldRetry != nil && opts.ShouldRetry(result) {
				acquired.MarkFailed()
				acquired.Release()
				continue
			}
			acquired.MarkSuccess()
			acquired.Release()
			m.transition(t, tracker.StateSucceeded)
			m.metrics.CallFinished(method, string(StatusSucceeded))
			return &Result{
				Status:                    StatusSucceeded,
				Attempts:                  attempt + 1,
				TotalDuration:             time.Since(start),
				WaitForConnectionDuration: waitDuration,
				Response:                  resp,
			}, nil
		}

		if callCtx.Err() != nil && ctx.Err() != nil {
			acquired.Release()
			m.transition(t, tracker.StateCanceled)
			m.metrics.CallFinished(method, string(StatusCancelled))
			return &Result{Status: StatusCancelled, Attempts: attempt + 1, TotalDuration: time.Since(start), WaitForConnectionDuration: waitDuration}, nil
		}

		class := classify(err, m.isShuttingDown())
		lastFailure = err.Error()

		switch class {
		case classShutdown:
			acquired.Release()
			return m.fail(t, start, attempt+1, waitDuration, ReasonShutdown, lastFailure), nil
		case classBuildIDMismatch:
			acquired.Release()
			m.state.Store(int32(stateTimedOut))
			if m.events.OnConnectionTimeout != nil {
				m.events.OnConnectionTimeout()
			}
			return m.fail(t, start, attempt+1, waitDuration, ReasonBuildIDMismatch, lastFailure), nil
		case classTransient:
			acquired.MarkFailed()
			acquired.Release()
			m.latch.Reset()
			m.logger.Debug("transient call failure, retrying",
				zap.String("method", method), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		default:
			acquired.MarkFailed()
			acquired.Release()
			m.transition(t, tracker.StateFailed)
			m.metrics.CallFinished(method, string(StatusFailed))
			return &Result{
				Status:                    StatusFailed,
				FailureReason:             ReasonNone,
				FailureDescription:        lastFailure,
				Attempts:                  attempt + 1,
				TotalDuration:             time.Since(start),
				WaitForConnectionDuration: waitDuration,
			}, err
		}
	}

	return m.fail(t, start, maxTry, waitDuration, ReasonExhaustedRetries, lastFailure), nil
}

func (m *Manager) fail(t *tracker.Tracker, start time.Time, attempts int, wait time.Duration, reason FailureReason, desc string) *Result {
	m.transition(t, tracker.StateFailed)
	m.metrics.CallFinished(t.Method, string(StatusFailed))
	return &Result{
		Status:                    StatusFailed,
		FailureReason:             reason,
		FailureDescription:        desc,
		Attempts:                  attempts,
		TotalDuration:             time.Since(start),
		WaitForConnectionDuration: wait,
	}
}

// invoke sends one request over proxy and waits for its response, populating
// headers and mapping an error-kind response frame to a classifiable error.
func (m *Manager) invoke(ctx context.Context, proxy transport.Proxy, method string, callID uuid.UUID, payload []byte) ([]byte, error) {
	token, err := m.signer.Token()
	if err != nil {
		return nil, fmt.Errorf("callmgr: sign build token: %w", err)
	}

	header := wire.Header{
		SenderName: m.senderName,
		SenderID:   m.senderID,
		BuildID:    token,
		Checksum:   wire.Checksum(payload),
	}

	handle, err := proxy.BeginRequest(method, header, callID, payload)
	if err != nil {
		return nil, err
	}

	frame, err := proxy.EndRequest(ctx, handle)
	if err != nil {
		return nil, err
	}

	if frame.Kind == wire.KindError {
		return nil, NewWireError(frame.ErrCode, frame.ErrMsg)
	}

	if frame.Header.Checksum != wire.Checksum(frame.Payload) {
		return nil, NewWireError(wire.ErrCodeChecksumMismatch, "response checksum mismatch")
	}

	return frame.Payload, nil
}
