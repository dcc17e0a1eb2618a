package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cloud-shuttle/klauss/internal/config"
	"github.com/cloud-shuttle/klauss/internal/dashboard"
	"github.com/cloud-shuttle/klauss/internal/memory"
	"github.com/cloud-shuttle/klauss/internal/queue"
	"github.com/cloud-shuttle/klauss/internal/store"
	"github.com/cloud-shuttle/klauss/pkg/logging"
	"github.com/cloud-shuttle/klauss/pkg/types"
)

func initConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Copy the config template into the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := projectRoot
			if dir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				dir = wd
			}
			path := filepath.Join(dir, config.ConfigFileName)

			if _, err := os.Stat(path); err == nil && !force {
				return &usageError{fmt.Errorf("%s already exists (use --force to overwrite)", path)}
			}

			if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

const configTemplate = `# klauss project configuration
database:
  path: .klauss/klauss.db
project:
  name: ""
  root: .
safety:
  allow_external_dirs: false
workers:
  default_count: 4
  idle_timeout_seconds: 600
coordination:
  enabled: true
  shared_db: true
`

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [N]",
		Short: "Launch the coordinator with N workers (default 4)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(projectRoot)
			if err != nil {
				return &usageError{fmt.Errorf("resolving config: %w", err)}
			}
			cfg.Verbose = verbose

			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return &usageError{fmt.Errorf("invalid worker count %q", args[0])}
				}
				cfg.DefaultWorkerCount = n
			}

			if _, err := os.Stat(pidFilePath(cfg)); err == nil {
				if alive, pid := coordinatorAlive(cfg); alive {
					return &usageError{fmt.Errorf("coordinator already running (pid %d)", pid)}
				}
			}

			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
				return fmt.Errorf("creating store directory: %w", err)
			}
			logDir := filepath.Join(filepath.Dir(cfg.DBPath), "logs")
			if err := os.MkdirAll(logDir, 0o755); err != nil {
				return fmt.Errorf("creating logs directory: %w", err)
			}

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolving executable path: %w", err)
			}
			coordinatord := filepath.Join(filepath.Dir(self), "klauss-coordinatord")
			if _, err := os.Stat(coordinatord); err != nil {
				return fmt.Errorf("klauss-coordinatord not found next to klauss at %s: %w", coordinatord, err)
			}

			logFile, err := os.OpenFile(filepath.Join(logDir, "coordinator.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("opening coordinator log: %w", err)
			}
			defer logFile.Close()

			c := exec.Command(coordinatord,
				"--project-root", cfg.ProjectRoot,
				"--workers", strconv.Itoa(cfg.DefaultWorkerCount),
			)
			c.Stdout = logFile
			c.Stderr = logFile
			c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := c.Start(); err != nil {
				return fmt.Errorf("starting coordinator: %w", err)
			}
			if err := os.WriteFile(pidFilePath(cfg), []byte(strconv.Itoa(c.Process.Pid)), 0o644); err != nil {
				return fmt.Errorf("writing pidfile: %w", err)
			}
			// Reap the detached process's exit status in the background so
			// it doesn't linger as a zombie if it dies before "stop".
			go c.Wait()

			fmt.Printf("Started coordinator (pid %d) with %d workers\n", c.Process.Pid, cfg.DefaultWorkerCount)
			return nil
		},
	}
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.DBPath), "coordinator.pid")
}

// coordinatorAlive reads the pidfile and checks liveness with signal 0.
func coordinatorAlive(cfg *config.Config) (bool, int) {
	data, err := os.ReadFile(pidFilePath(cfg))
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false, pid
	}
	return true, pid
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Send TERM to coordinator and all workers; report residual processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(projectRoot)
			if err != nil {
				return &usageError{fmt.Errorf("resolving config: %w", err)}
			}

			alive, pid := coordinatorAlive(cfg)
			if !alive {
				fmt.Println("Coordinator is not running")
				return nil
			}

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signaling coordinator (pid %d): %w", pid, err)
			}
			fmt.Printf("Sent TERM to coordinator (pid %d)\n", pid)

			deadline := time.Now().Add(15 * time.Second)
			for time.Now().Before(deadline) {
				if err := syscall.Kill(pid, 0); err != nil {
					os.Remove(pidFilePath(cfg))
					reportResidualWorkers(cfg)
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}

			fmt.Printf("Coordinator (pid %d) did not exit within the grace period; it may still be running\n", pid)
			reportResidualWorkers(cfg)
			return nil
		},
	}
}

func reportResidualWorkers(cfg *config.Config) {
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return
	}
	defer s.Close()

	workers, err := s.ListWorkers()
	if err != nil {
		return
	}
	var residual []*types.Worker
	for _, w := range workers {
		if w.Status == types.WorkerStatusStopped {
			continue
		}
		if syscall.Kill(w.PID, 0) == nil {
			residual = append(residual, w)
		}
	}
	if len(residual) == 0 {
		fmt.Println("No residual worker processes")
		return
	}
	fmt.Printf("%d residual worker process(es):\n", len(residual))
	for _, w := range residual {
		fmt.Printf("  %s (pid %d)\n", w.WorkerID, w.PID)
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Send KILL to all matching processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(projectRoot)
			if err != nil {
				return &usageError{fmt.Errorf("resolving config: %w", err)}
			}

			if alive, pid := coordinatorAlive(cfg); alive {
				if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
					fmt.Fprintf(os.Stderr, "killing coordinator (pid %d): %v\n", pid, err)
				} else {
					fmt.Printf("Killed coordinator (pid %d)\n", pid)
				}
			}
			os.Remove(pidFilePath(cfg))

			s, err := store.Open(cfg.DBPath)
			if err != nil {
				return nil
			}
			defer s.Close()

			workers, err := s.ListWorkers()
			if err != nil {
				return nil
			}
			for _, w := range workers {
				if w.Status == types.WorkerStatusStopped {
					continue
				}
				if err := syscall.Kill(w.PID, syscall.SIGKILL); err != nil {
					continue
				}
				fmt.Printf("Killed worker %s (pid %d)\n", w.WorkerID, w.PID)
			}
			return nil
		},
	}
}

func workersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Print a table of every registered worker (PID, status, memory, runtime; no CPU column), plus queue stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := requireProject()
			if err != nil {
				return err
			}
			defer s.Close()

			workers, err := s.ListWorkers()
			if err != nil {
				return err
			}
			sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })

			fmt.Printf("%-14s %-8s %-8s %-10s %-10s\n", "WORKER", "PID", "STATUS", "MEM", "RUNTIME")
			for _, w := range workers {
				memStr := "-"
				if mem, err := memory.GetProcessMemory(w.PID); err == nil {
					memStr = humanize.Bytes(uint64(mem.RSSBytes))
				}
				started := time.Unix(w.StartedAt, 0)
				fmt.Printf("%-14s %-8d %-8s %-10s %-10s\n", w.WorkerID, w.PID, w.Status, memStr, humanize.RelTime(started, time.Now(), "", ""))
			}

			stats, err := s.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("\nQueue: pending=%d claimed=%d in_progress=%d completed=%d failed=%d\n",
				stats.Pending, stats.Claimed, stats.InProgress, stats.Completed, stats.Failed)
			return nil
		},
	}
}

func dashboardCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Launch the read-only dashboard view",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, err := requireProject()
			if err != nil {
				return err
			}
			defer s.Close()

			srv := dashboard.New(dashboard.Config{Addr: addr, Store: s, Logger: logging.Logger})
			dashboard.SetGlobal(srv)
			defer dashboard.SetGlobal(nil)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			fmt.Printf("Dashboard listening on %s (project %s)\n", addr, cfg.ProjectName)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "address to listen on")
	return cmd
}

func submitCmd() *cobra.Command {
	var (
		workingDir      string
		priority        int
		contextFiles    []string
		expectedOutputs []string
	)
	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Insert one task into the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, err := requireProject()
			if err != nil {
				return err
			}
			defer s.Close()

			q := queue.New(s, cfg.ProjectRoot, cfg.AllowExternalDirs)
			id, err := q.AddTask(types.Task{
				Prompt:          args[0],
				WorkingDir:      workingDir,
				Priority:        priority,
				ContextFiles:    contextFiles,
				ExpectedOutputs: expectedOutputs,
				AutoVerify:      true,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Submitted task %d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "working directory for the task")
	cmd.Flags().IntVar(&priority, "priority", 0, "task priority (higher runs first)")
	cmd.Flags().StringSliceVar(&contextFiles, "context-file", nil, "context file to include (repeatable)")
	cmd.Flags().StringSliceVar(&expectedOutputs, "expected-output", nil, "expected output path (repeatable)")
	return cmd
}

// submissionFile is the YAML shape accepted by submit-file: a flat list
// of tasks sharing no job, each with the subset of Task fields a
// submitter plausibly wants to set up front.
type submissionFile struct {
	Tasks []struct {
		Prompt          string   `yaml:"prompt"`
		WorkingDir      string   `yaml:"working_dir"`
		Priority        int      `yaml:"priority"`
		ContextFiles    []string `yaml:"context_files"`
		ExpectedOutputs []string `yaml:"expected_outputs"`
	} `yaml:"tasks"`
}

func submitFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit-file <file>",
		Short: "Insert many tasks from a YAML submission file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, err := requireProject()
			if err != nil {
				return err
			}
			defer s.Close()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return &usageError{fmt.Errorf("reading %s: %w", args[0], err)}
			}
			var file submissionFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return &usageError{fmt.Errorf("parsing %s: %w", args[0], err)}
			}

			q := queue.New(s, cfg.ProjectRoot, cfg.AllowExternalDirs)
			count := 0
			for _, t := range file.Tasks {
				id, err := q.AddTask(types.Task{
					Prompt:          t.Prompt,
					WorkingDir:      t.WorkingDir,
					Priority:        t.Priority,
					ContextFiles:    t.ContextFiles,
					ExpectedOutputs: t.ExpectedOutputs,
					AutoVerify:      true,
				})
				if err != nil {
					return fmt.Errorf("submitting task %q: %w", t.Prompt, err)
				}
				fmt.Printf("Submitted task %d: %s\n", id, truncatePrompt(t.Prompt))
				count++
			}
			fmt.Printf("Submitted %d task(s)\n", count)
			return nil
		},
	}
}

func truncatePrompt(s string) string {
	const max = 60
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [status]",
		Short: "List tasks, optionally filtered by status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := requireProject()
			if err != nil {
				return err
			}
			defer s.Close()

			var tasks []*types.Task
			if len(args) == 1 {
				status := types.TaskStatus(args[0])
				if !validListStatus(status) {
					return &usageError{fmt.Errorf("invalid status %q", args[0])}
				}
				tasks, err = s.ListByStatus(status)
			} else {
				for _, status := range []types.TaskStatus{
					types.TaskStatusPending, types.TaskStatusClaimed, types.TaskStatusInProgress,
					types.TaskStatusCompleted, types.TaskStatusFailed,
				} {
					batch, err := s.ListByStatus(status)
					if err != nil {
						return err
					}
					tasks = append(tasks, batch...)
				}
			}
			if err != nil {
				return err
			}

			sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
			for _, t := range tasks {
				fmt.Printf("%-6d %-12s %-6d %s\n", t.ID, t.Status, t.Priority, truncatePrompt(t.Prompt))
			}
			return nil
		},
	}
}

func validListStatus(status types.TaskStatus) bool {
	switch status {
	case types.TaskStatusPending, types.TaskStatusClaimed, types.TaskStatusInProgress,
		types.TaskStatusCompleted, types.TaskStatusFailed:
		return true
	default:
		return false
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue-depth statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := requireProject()
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("pending:     %d\n", stats.Pending)
			fmt.Printf("claimed:     %d\n", stats.Claimed)
			fmt.Printf("in_progress: %d\n", stats.InProgress)
			fmt.Printf("completed:   %d\n", stats.Completed)
			fmt.Printf("failed:      %d\n", stats.Failed)
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the full record for one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return &usageError{fmt.Errorf("invalid task id %q", args[0])}
			}

			_, s, err := requireProject()
			if err != nil {
				return err
			}
			defer s.Close()

			task, err := s.GetTask(id)
			if err != nil {
				return err
			}
			printTask(task)
			return nil
		},
	}
}

func printTask(t *types.Task) {
	fmt.Printf("id:           %d\n", t.ID)
	fmt.Printf("status:       %s\n", t.Status)
	fmt.Printf("prompt:       %s\n", t.Prompt)
	if t.WorkingDir != "" {
		fmt.Printf("working_dir:  %s\n", t.WorkingDir)
	}
	fmt.Printf("priority:     %d\n", t.Priority)
	if t.WorkerID != "" {
		fmt.Printf("worker_id:    %s\n", t.WorkerID)
	}
	if t.JobID != "" {
		fmt.Printf("job_id:       %s\n", t.JobID)
	}
	if len(t.DependsOn) > 0 {
		fmt.Printf("depends_on:   %v\n", t.DependsOn)
	}
	if t.Error != "" {
		fmt.Printf("error:        %s\n", t.Error)
	}
	if t.Result != nil {
		fmt.Printf("result:       success=%v\n", t.Result.Success)
	}
}

func logsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [worker]",
		Short: "List per-worker log files, or tail one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(projectRoot)
			if err != nil {
				return &usageError{fmt.Errorf("resolving config: %w", err)}
			}
			logDir := filepath.Join(filepath.Dir(cfg.DBPath), "logs")

			if len(args) == 0 {
				entries, err := os.ReadDir(logDir)
				if err != nil {
					return fmt.Errorf("reading logs directory: %w", err)
				}
				for _, e := range entries {
					if e.IsDir() {
						continue
					}
					fmt.Println(strings.TrimSuffix(e.Name(), ".log"))
				}
				return nil
			}

			path := cfg.LogPath(args[0])
			if follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return tailFollow(ctx, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return &usageError{fmt.Errorf("reading %s: %w", path, err)}
			}
			fmt.Print(string(data))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow the log as it grows")
	return cmd
}

// tailFollow prints the file's current contents then polls for appended
// lines until ctx is canceled (e.g. by SIGINT), the same grace-free
// control flow klauss uses for every long-running foreground command.
func tailFollow(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &usageError{fmt.Errorf("opening %s: %w", path, err)}
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				fmt.Print(line)
			}
			if err != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func cleanCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete the store file and logs after confirmation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(projectRoot)
			if err != nil {
				return &usageError{fmt.Errorf("resolving config: %w", err)}
			}

			if alive, pid := coordinatorAlive(cfg); alive {
				return &usageError{fmt.Errorf("coordinator is still running (pid %d); stop it first", pid)}
			}

			if !yes {
				fmt.Printf("This deletes %s and its logs directory. Continue? [y/N] ", cfg.DBPath)
				reader := bufio.NewReader(os.Stdin)
				response, _ := reader.ReadString('\n')
				if strings.TrimSpace(strings.ToLower(response)) != "y" {
					fmt.Println("Cancelled")
					return nil
				}
			}

			for _, p := range []string{cfg.DBPath, cfg.DBPath + "-wal", cfg.DBPath + "-shm"} {
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("removing %s: %w", p, err)
				}
			}
			logDir := filepath.Join(filepath.Dir(cfg.DBPath), "logs")
			if err := os.RemoveAll(logDir); err != nil {
				return fmt.Errorf("removing %s: %w", logDir, err)
			}
			fmt.Printf("Removed %s and %s\n", cfg.DBPath, logDir)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}
