// Package supervisor owns the lifecycle of every LM and tool provider the
// dispatch core talks to: startup, periodic health checks, degrade/fail
// state transitions, and exponential-backoff restart of external providers.
// It is the one component allowed to change a provider's availability; the
// router only ever reads the outcome via the events this package emits.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/dispatchcore/core/internal/backoff"
	"github.com/dispatchcore/core/internal/restart"
)

// ProviderKind distinguishes providers that live in this process from
// providers reached over a subprocess/network boundary. Only external
// providers are ever restarted; an in-process provider that fails stays
// failed until the process itself restarts.
type ProviderKind string

const (
	KindInProcess ProviderKind = "inproc"
	KindExternal  ProviderKind = "external"
)

// State is a position in the provider lifecycle state machine:
//
//	new -> starting -> ready <-> degraded -> failed -> (restart) -> starting
//	ready/degraded/failed -> stopping -> stopped
type State string

const (
	StateNew      State = "new"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ProviderRecord is the supervisor's point-in-time view of one provider.
type ProviderRecord struct {
	ID                  string
	Kind                ProviderKind
	State               State
	LastHealthOKAt       time.Time
	ConsecutiveFailures int
	RestartAttempts     int
}

// ManagedProvider is anything whose lifecycle the supervisor owns: an
// in-process tool provider or an external MCP server connection.
type ManagedProvider interface {
	// ID identifies the provider; matches the ID a router or tool
	// registry knows it by.
	ID() string
	Kind() ProviderKind

	// Initialize brings the provider up. Called once at supervisor
	// start and again before each restart attempt.
	Initialize(ctx context.Context) error

	// HealthCheck reports whether the provider is currently able to
	// serve requests. Called on the supervisor's health-check tick.
	HealthCheck(ctx context.Context) error

	// AutoRestart reports whether a failed provider should be
	// restarted automatically with exponential backoff.
	AutoRestart() bool

	// Stop tears the provider down. Best-effort; errors are logged,
	// never surfaced to the caller of Supervisor.Stop.
	Stop(ctx context.Context) error
}

// Event is emitted on every state transition. The router and tool
// registry subscribe to these to decide what to dispatch to.
type Event struct {
	ProviderID string
	From       State
	To         State
	At         time.Time
	Err        error
}

// EventHandler reacts to a provider state transition. It must return
// promptly; the supervisor calls it synchronously from the transitioning
// goroutine.
type EventHandler func(Event)

// Config tunes the supervisor's timeouts and restart policy. Zero values
// fall back to spec defaults.
type Config struct {
	// StartupTimeout bounds Initialize. Default 10s.
	StartupTimeout time.Duration
	// HealthCheckInterval is how often a ready/degraded provider is
	// health-checked. Default 30s.
	HealthCheckInterval time.Duration
	// HealthCheckTimeout bounds each HealthCheck call. Default 5s.
	HealthCheckTimeout time.Duration
	// DegradeAfterMisses is the number of consecutive health-check
	// failures before a ready provider crosses to degraded. Default 1.
	DegradeAfterMisses int
	// FailAfterMisses is the number of consecutive health-check
	// failures before a provider crosses to failed. Default 3.
	FailAfterMisses int
	// RestartPolicy controls the exponential backoff between restart
	// attempts for a failed, auto-restartable external provider.
	// Default: start 1s, factor 2, cap 60s.
	RestartPolicy backoff.BackoffPolicy
	// MaxRestartAttempts caps restart attempts before a provider is
	// left in failed permanently. Default 5.
	MaxRestartAttempts int
	// SentinelDir, if non-empty, is where restart attempts are
	// persisted via the restart package, so attempt history survives a
	// supervisor process recycle.
	SentinelDir string
}

func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 5 * time.Second
	}
	if c.DegradeAfterMisses <= 0 {
		c.DegradeAfterMisses = 1
	}
	if c.FailAfterMisses <= 0 {
		c.FailAfterMisses = 3
	}
	if c.RestartPolicy.InitialMs <= 0 {
		c.RestartPolicy = backoff.BackoffPolicy{InitialMs: 1000, MaxMs: 60000, Factor: 2, Jitter: 0}
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 5
	}
	return c
}

// Supervisor runs the provider lifecycle state machine described in the
// package doc comment.
type Supervisor struct {
	cfg     Config
	onEvent EventHandler

	mu        sync.Mutex
	providers map[string]ManagedProvider
	records   map[string]*ProviderRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Supervisor. onEvent may be nil if nothing needs to react
// to state transitions (tests, or a supervisor run purely for its own
// health bookkeeping).
func New(cfg Config, onEvent EventHandler) *Supervisor {
	return &Supervisor{
		cfg:       cfg.withDefaults(),
		onEvent:   onEvent,
		providers: make(map[string]ManagedProvider),
		records:   make(map[string]*ProviderRecord),
	}
}

// Register adds a provider under supervision, in state new. Must be
// called before Start.
func (s *Supervisor) Register(p ManagedProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID()] = p
	s.records[p.ID()] = &ProviderRecord{ID: p.ID(), Kind: p.Kind(), State: StateNew}
}

// Start initializes every registered provider (bounded by
// Config.StartupTimeout) and begins a periodic health-check goroutine per
// provider. Initialize failures leave that provider in failed rather than
// aborting the other providers' startup.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mu.Lock()
	providers := make([]ManagedProvider, 0, len(s.providers))
	for _, p := range s.providers {
		providers = append(providers, p)
	}
	s.mu.Unlock()

	for _, p := range providers {
		s.startOne(runCtx, p)
	}

	for _, p := range providers {
		s.wg.Add(1)
		go s.healthLoop(runCtx, p)
	}
	return nil
}

// Stop marks every provider stopping, calls Stop on each, waits for
// health-check goroutines to exit, and marks every provider stopped.
func (s *Supervisor) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	providers := make([]ManagedProvider, 0, len(s.providers))
	for _, p := range s.providers {
		providers = append(providers, p)
	}
	s.mu.Unlock()

	for _, p := range providers {
		s.transition(p.ID(), StateStopping, nil)
		_ = p.Stop(ctx)
		s.transition(p.ID(), StateStopped, nil)
	}
}

// Records returns a snapshot of every provider's current record.
func (s *Supervisor) Records() []ProviderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProviderRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}

// Record returns a snapshot of one provider's record, if registered.
func (s *Supervisor) Record(id string) (ProviderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ProviderRecord{}, false
	}
	return *r, true
}

func (s *Supervisor) startOne(ctx context.Context, p ManagedProvider) {
	s.transition(p.ID(), StateStarting, nil)

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	if err := p.Initialize(startCtx); err != nil {
		s.recordFailure(p.ID())
		s.transition(p.ID(), StateFailed, err)
		return
	}
	s.recordSuccess(p.ID())
	s.transition(p.ID(), StateReady, nil)
}

func (s *Supervisor) healthLoop(ctx context.Context, p ManagedProvider) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOne(ctx, p)
		}
	}
}

func (s *Supervisor) checkOne(ctx context.Context, p ManagedProvider) {
	current, ok := s.Record(p.ID())
	if !ok || current.State == StateStopping || current.State == StateStopped {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
	err := p.HealthCheck(checkCtx)
	cancel()

	if err == nil {
		s.recordSuccess(p.ID())
		if current.State == StateDegraded || current.State == StateFailed {
			s.transition(p.ID(), StateReady, nil)
		}
		return
	}

	misses := s.recordFailure(p.ID())
	switch {
	case misses >= s.cfg.FailAfterMisses:
		if current.State != StateFailed {
			s.transition(p.ID(), StateFailed, err)
		}
		if p.Kind() == KindExternal && p.AutoRestart() {
			s.restart(ctx, p)
		}
	case misses >= s.cfg.DegradeAfterMisses:
		if current.State == StateReady {
			s.transition(p.ID(), StateDegraded, err)
		}
	}
}

// restart retries Initialize with exponential backoff (per
// Config.RestartPolicy) up to Config.MaxRestartAttempts times. Exhausting
// attempts leaves the provider in failed.
func (s *Supervisor) restart(ctx context.Context, p ManagedProvider) {
	s.mu.Lock()
	record := s.records[p.ID()]
	attempts := record.RestartAttempts
	s.mu.Unlock()

	if attempts >= s.cfg.MaxRestartAttempts {
		return
	}

	attempt := attempts + 1
	wait := backoff.ComputeBackoff(s.cfg.RestartPolicy, attempt)

	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	s.mu.Lock()
	record.RestartAttempts = attempt
	s.mu.Unlock()

	s.transition(p.ID(), StateStarting, nil)

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	err := p.Initialize(startCtx)
	cancel()

	s.persistRestartAttempt(p.ID(), attempt, err)

	if err != nil {
		s.recordFailure(p.ID())
		s.transition(p.ID(), StateFailed, err)
		return
	}

	s.mu.Lock()
	record.ConsecutiveFailures = 0
	record.RestartAttempts = 0
	record.LastHealthOKAt = time.Now()
	s.mu.Unlock()
	s.transition(p.ID(), StateReady, nil)
}

func (s *Supervisor) persistRestartAttempt(providerID string, attempt int, restartErr error) {
	if s.cfg.SentinelDir == "" {
		return
	}
	status := restart.StatusOK
	var message *string
	if restartErr != nil {
		status = restart.StatusError
		msg := restartErr.Error()
		message = &msg
	}
	payload := restart.SentinelPayload{
		Kind:       restart.KindRestart,
		Status:     status,
		Ts:         time.Now().Unix(),
		ProviderID: providerID,
		Message:    message,
		Stats: &restart.SentinelStats{
			Mode: "supervisor-auto-restart",
		},
	}
	_ = restart.WriteSentinel(s.cfg.SentinelDir, payload)
}

func (s *Supervisor) recordSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return
	}
	r.ConsecutiveFailures = 0
	r.LastHealthOKAt = time.Now()
}

// recordFailure increments the consecutive-failure counter and returns
// its new value.
func (s *Supervisor) recordFailure(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return 0
	}
	r.ConsecutiveFailures++
	return r.ConsecutiveFailures
}

func (s *Supervisor) transition(id string, to State, err error) {
	s.mu.Lock()
	r, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	from := r.State
	r.State = to
	s.mu.Unlock()

	if s.onEvent != nil {
		s.onEvent(Event{ProviderID: id, From: from, To: to, At: time.Now(), Err: err})
	}
}
