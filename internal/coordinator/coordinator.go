// Package coordinator supervises a fixed-size pool of worker processes:
// spawning them, restarting crashes within a bounded budget, sweeping
// stale claims, and shutting the whole pool down after signal or global
// idleness (§4.4).
package coordinator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloud-shuttle/klauss/internal/config"
	"github.com/cloud-shuttle/klauss/internal/store"
)

// SlotState is a worker slot's supervision state.
type SlotState string

const (
	SlotSpawning SlotState = "spawning"
	SlotRunning  SlotState = "running"
	SlotExited   SlotState = "exited"
	SlotDisabled SlotState = "disabled"
)

// restartBudget caps restarts per slot to 5 within 60s (§4.4).
const (
	restartBudgetCount  = 5
	restartBudgetWindow = 60 * time.Second
)

// DefaultShutdownGrace is how long a worker gets after TERM before KILL.
const DefaultShutdownGrace = 10 * time.Second

// slot tracks one supervised worker process.
type slot struct {
	index    int
	workerID string
	state    SlotState
	cmd      *exec.Cmd
	logFile  *os.File
	exited   chan error
	restarts []time.Time
}

// Coordinator supervises Config.DefaultWorkerCount worker processes.
type Coordinator struct {
	Config        *config.Config
	Store         *store.Store
	WorkerBinary  string
	IdleTimeout   time.Duration
	ShutdownGrace time.Duration
	TickInterval  time.Duration
	Logger        zerolog.Logger

	mu    sync.Mutex
	slots []*slot

	lastActivityAt    time.Time
	lastInProgress    int
	lastTerminalCount int
	shuttingDown      bool
}

// New builds a Coordinator for cfg, ready to supervise
// cfg.DefaultWorkerCount instances of workerBinary.
func New(cfg *config.Config, s *store.Store, workerBinary string, logger zerolog.Logger) *Coordinator {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = config.DefaultIdleTimeout
	}
	return &Coordinator{
		Config:        cfg,
		Store:         s,
		WorkerBinary:  workerBinary,
		IdleTimeout:   idle,
		ShutdownGrace: DefaultShutdownGrace,
		Logger:        logger.With().Str("component", "coordinator").Logger(),
	}
}

// Run spawns the worker pool and supervises it until ctx is canceled or
// global idleness triggers shutdown (§4.4 supervisor loop, tick 1s).
func (c *Coordinator) Run(ctx context.Context) error {
	n := c.Config.DefaultWorkerCount
	if n <= 0 {
		n = 1
	}

	if err := os.MkdirAll(logDir(c.Config), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	c.mu.Lock()
	c.slots = make([]*slot, n)
	c.lastActivityAt = time.Now()
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		if err := c.spawn(i); err != nil {
			c.Logger.Error().Err(err).Int("slot", i).Msg("initial spawn failed")
		}
	}

	// Reclaim any claims left stale by a prior coordinator's crash before
	// waiting for the first tick (§4.1: sweep runs at start and periodically).
	c.sweepStale()

	tick := c.TickInterval
	if tick <= 0 {
		tick = 1 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown("context canceled")
			return nil
		case <-ticker.C:
			c.checkLiveness()
			c.sweepStale()
			if c.checkIdle() {
				c.shutdown("idle timeout exceeded")
				return nil
			}
		}
	}
}

func logDir(cfg *config.Config) string {
	return filepath.Dir(cfg.LogPath("coordinator"))
}

// spawn starts (or restarts) the worker process for slot i.
func (c *Coordinator) spawn(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	workerID := fmt.Sprintf("worker-%d", i)
	s := &slot{index: i, workerID: workerID, state: SlotSpawning, exited: make(chan error, 1)}
	if old := c.slots[i]; old != nil {
		s.restarts = old.restarts
	}

	logPath := c.Config.LogPath(workerID)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file for %s: %w", workerID, err)
	}
	s.logFile = logFile

	cmd := exec.Command(c.WorkerBinary,
		"--worker-id", workerID,
		"--db-path", c.Config.DBPath,
		"--project-root", c.Config.ProjectRoot,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	s.cmd = cmd

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("starting %s: %w", workerID, err)
	}
	s.state = SlotRunning
	c.slots[i] = s

	go func(s *slot) {
		s.exited <- s.cmd.Wait()
	}(s)

	c.Logger.Info().Str("worker_id", workerID).Int("pid", cmd.Process.Pid).Msg("worker spawned")
	return nil
}

// checkLiveness polls each slot's exit channel without blocking and
// respawns or disables per the restart budget (§4.4 state machine).
func (c *Coordinator) checkLiveness() {
	c.mu.Lock()
	shuttingDown := c.shuttingDown
	n := len(c.slots)
	c.mu.Unlock()
	if shuttingDown {
		return
	}

	for i := 0; i < n; i++ {
		c.mu.Lock()
		s := c.slots[i]
		c.mu.Unlock()
		if s == nil || s.state != SlotRunning {
			continue
		}

		select {
		case err := <-s.exited:
			c.mu.Lock()
			s.state = SlotExited
			s.logFile.Close()
			c.Logger.Warn().Str("worker_id", s.workerID).Err(err).Msg("worker exited")

			now := time.Now()
			s.restarts = append(s.restarts, now)
			cutoff := now.Add(-restartBudgetWindow)
			var recent []time.Time
			for _, t := range s.restarts {
				if t.After(cutoff) {
					recent = append(recent, t)
				}
			}
			s.restarts = recent
			c.mu.Unlock()

			if len(recent) >= restartBudgetCount {
				c.mu.Lock()
				s.state = SlotDisabled
				c.mu.Unlock()
				c.Logger.Error().Str("worker_id", s.workerID).
					Int("restarts", len(recent)).
					Msg("ALERT: restart budget exceeded, slot disabled")
				continue
			}

			if err := c.spawn(i); err != nil {
				c.Logger.Error().Err(err).Int("slot", i).Msg("respawn failed")
			}
		default:
		}
	}
}

// checkIdle returns true when the pool has been idle longer than
// IdleTimeout with nothing pending or in progress (§4.4 step 2).
func (c *Coordinator) checkIdle() bool {
	stats, err := c.Store.Stats()
	if err != nil {
		c.Logger.Warn().Err(err).Msg("checking idle: stats failed")
		return false
	}

	terminal := stats.Completed + stats.Failed
	c.mu.Lock()
	if stats.InProgress != c.lastInProgress || terminal != c.lastTerminalCount {
		c.lastActivityAt = time.Now()
		c.lastInProgress = stats.InProgress
		c.lastTerminalCount = terminal
	}
	idleFor := time.Since(c.lastActivityAt)
	c.mu.Unlock()

	return idleFor > c.IdleTimeout && stats.Pending == 0 && stats.InProgress == 0
}

// sweepStale reclaims tasks whose owning worker stopped heartbeating
// (§4.4 step 4, threshold = 3 * heartbeat_interval).
func (c *Coordinator) sweepStale() {
	threshold := c.Config.HeartbeatInterval * 3
	if threshold <= 0 {
		threshold = 15 * time.Second
	}
	n, err := c.Store.SweepStale(threshold)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("sweep_stale failed")
		return
	}
	if n > 0 {
		c.Logger.Info().Int("count", n).Msg("reclaimed stale tasks")
	}
}

// shutdown sends TERM to every running worker, waits ShutdownGrace, then
// KILLs survivors (§4.4 step 2).
func (c *Coordinator) shutdown(reason string) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	running := make([]*slot, 0, len(c.slots))
	for _, s := range c.slots {
		if s != nil && s.state == SlotRunning {
			running = append(running, s)
		}
	}
	c.mu.Unlock()

	c.Logger.Info().Str("reason", reason).Int("workers", len(running)).Msg("initiating cluster shutdown")

	for _, s := range running {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	deadline := time.Now().Add(c.ShutdownGrace)
	for _, s := range running {
		select {
		case <-s.exited:
		case <-time.After(time.Until(deadline)):
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Signal(syscall.SIGKILL)
			}
			<-s.exited
		}
		s.logFile.Close()
	}

	c.Logger.Info().Msg("cluster shutdown complete")
}
