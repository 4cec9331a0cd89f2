// Package supervisor manages the per-symbol worker goroutines: spawn,
// heartbeat monitoring, restart with exponential backoff, and graceful
// shutdown.
//
// Workers are goroutines with panic isolation rather than OS processes;
// the ownership rules are the same — no mutable state is shared between
// workers, and a crashed worker cannot corrupt another symbol's state.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"marketreplay/internal/config"
	"marketreplay/internal/health"
	"marketreplay/internal/router"
)

// WorkerFunc runs one symbol's pipeline until its queue delivers the
// shutdown sentinel or ctx is cancelled. A non-nil return or a panic
// counts as a crash.
type WorkerFunc func(ctx context.Context, symbol string, queue <-chan router.Message, hb *Heartbeat) error

// WorkerState is the lifecycle of one supervised worker.
type WorkerState int32

const (
	StateInitializing WorkerState = iota
	StateRunning
	StateStopping
	StateStopped
	StateCrashed
	StateRestarting
)

func (s WorkerState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateCrashed:
		return "CRASHED"
	case StateRestarting:
		return "RESTARTING"
	default:
		return "INITIALIZING"
	}
}

type workerHandle struct {
	symbol string
	hb     *Heartbeat
	cancel context.CancelFunc
	done   chan error // closed-over result of the current incarnation

	mu       sync.Mutex
	state    WorkerState
	restarts int
	lastErr  error
}

func (h *workerHandle) setState(s WorkerState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *workerHandle) getState() WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Status describes one worker for reporting.
type Status struct {
	Symbol   string
	State    WorkerState
	Restarts int
	LastErr  error
}

// Supervisor owns the workers for all configured symbols.
type Supervisor struct {
	cfg      config.SupervisorConfig
	rt       *router.Router
	workerFn WorkerFunc
	metrics  *health.Metrics

	mu      sync.Mutex
	workers map[string]*workerHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// New creates a supervisor over the router's symbols. metrics may be
// nil.
func New(cfg config.SupervisorConfig, rt *router.Router, workerFn WorkerFunc, metrics *health.Metrics, logger *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		rt:       rt,
		workerFn: workerFn,
		metrics:  metrics,
		workers:  make(map[string]*workerHandle),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "supervisor"),
	}
}

// Start spawns one worker per symbol and the health monitor.
func (s *Supervisor) Start(symbols []string) error {
	if len(s.cfg.CPUAffinity) > 0 {
		s.logger.Warn("cpu_affinity configured but not supported for goroutine workers, ignoring",
			"cores", s.cfg.CPUAffinity)
	}
	for _, symbol := range symbols {
		if s.rt.Queue(symbol) == nil {
			return fmt.Errorf("no router queue for symbol %s", symbol)
		}
		s.spawn(symbol)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor()
	}()
	return nil
}

func (s *Supervisor) spawn(symbol string) {
	h := &workerHandle{
		symbol: symbol,
		hb:     NewHeartbeat(),
		done:   make(chan error, 1),
		state:  StateInitializing,
	}
	s.mu.Lock()
	if prev, ok := s.workers[symbol]; ok {
		h.restarts = prev.restarts
	}
	s.workers[symbol] = h
	s.mu.Unlock()

	workerCtx, cancel := context.WithCancel(s.ctx)
	h.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.setState(StateRunning)
		err := s.runIsolated(workerCtx, h)
		h.mu.Lock()
		h.lastErr = err
		if err != nil {
			h.state = StateCrashed
		} else if h.state != StateRestarting {
			h.state = StateStopped
		}
		h.mu.Unlock()
		h.done <- err
		if err != nil {
			s.logger.Error("worker exited with error", "symbol", h.symbol, "error", err)
		} else {
			s.logger.Info("worker exited cleanly", "symbol", h.symbol)
		}
	}()
	s.logger.Info("worker started", "symbol", symbol)
}

// runIsolated converts a worker panic into an error so one symbol's
// crash never takes down the process.
func (s *Supervisor) runIsolated(ctx context.Context, h *workerHandle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 16*1024)
			n := runtime.Stack(buf, false)
			err = fmt.Errorf("worker panic: %v\n%s", r, buf[:n])
		}
	}()
	return s.workerFn(ctx, h.symbol, s.rt.Queue(h.symbol), h.hb)
}

// monitor polls worker liveness and restarts crashed workers with
// exponential backoff until the attempt limit.
func (s *Supervisor) monitor() {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkWorkers()
		}
	}
}

func (s *Supervisor) checkWorkers() {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		switch h.getState() {
		case StateCrashed:
			s.restart(h)
		case StateRunning:
			if h.hb.StaleFor(s.cfg.HeartbeatTimeout) {
				s.logger.Error("worker heartbeat stale, treating as crashed",
					"symbol", h.symbol, "last_beat", h.hb.Last())
				h.setState(StateCrashed)
				h.cancel()
				s.restart(h)
			}
		}
		if s.metrics != nil {
			s.metrics.QueueDepth.WithLabelValues(h.symbol).Set(float64(len(s.rt.Queue(h.symbol))))
		}
	}

	if s.cfg.MemoryLimitMB > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.HeapAlloc > uint64(s.cfg.MemoryLimitMB)*1024*1024*uint64(maxInt(1, len(handles))) {
			s.logger.Warn("heap above configured per-worker memory limit",
				"heap_mb", ms.HeapAlloc/1024/1024, "limit_mb", s.cfg.MemoryLimitMB)
		}
	}
}

func (s *Supervisor) restart(h *workerHandle) {
	if s.ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	h.restarts++
	attempts := h.restarts
	h.mu.Unlock()

	if attempts > s.cfg.MaxRestartAttempts {
		h.setState(StateStopped)
		s.logger.Error("worker exceeded restart limit, stopped permanently",
			"symbol", h.symbol, "attempts", attempts-1)
		return
	}

	backoff := s.cfg.RestartBackoff << (attempts - 1)
	s.logger.Warn("restarting worker",
		"symbol", h.symbol, "attempt", attempts, "backoff", backoff)
	h.setState(StateRestarting)
	if s.metrics != nil {
		s.metrics.WorkerRestarts.WithLabelValues(h.symbol).Inc()
	}

	select {
	case <-s.ctx.Done():
		return
	case <-time.After(backoff):
	}
	s.spawn(h.symbol)
}

// Statuses returns the current view of every worker.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.workers))
	for _, h := range s.workers {
		h.mu.Lock()
		out = append(out, Status{
			Symbol:   h.symbol,
			State:    h.state,
			Restarts: h.restarts,
			LastErr:  h.lastErr,
		})
		h.mu.Unlock()
	}
	return out
}

// Failed returns the symbols that stopped with an error or hit the
// crash-loop limit.
func (s *Supervisor) Failed() []string {
	var failed []string
	for _, st := range s.Statuses() {
		if st.LastErr != nil || (st.State == StateStopped && st.Restarts > s.cfg.MaxRestartAttempts) {
			failed = append(failed, st.Symbol)
		}
	}
	return failed
}

// Stop performs a graceful shutdown: sentinel on every queue, wait for
// drain up to shutdown_timeout, then cancel survivors and wait, without
// a further deadline, for them to unwind.
func (s *Supervisor) Stop() {
	s.logger.Info("shutting down workers")

	s.rt.SendSentinels()

	done := make(chan struct{})
	go func() {
		s.waitWorkers()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Error("shutdown timeout exceeded, cancelling survivors")
	}

	s.cancel()
	s.wg.Wait()
}

// waitWorkers blocks until every current worker incarnation reports.
func (s *Supervisor) waitWorkers() {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if st := h.getState(); st == StateStopped || st == StateCrashed {
			continue
		}
		<-h.done
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
