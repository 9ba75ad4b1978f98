// enginectl exercises the task execution engine end-to-end from the
// command line: submit a prompt against a repository, watch it run, and
// print the resulting diff. It drives the same Engine façade the HTTP
// layer would, against the in-memory store, so it is a smoke-testing tool
// rather than a daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/sandboxrun/engine/internal/config"
	"github.com/sandboxrun/engine/internal/engine"
	"github.com/sandboxrun/engine/internal/fleet"
	"github.com/sandboxrun/engine/internal/runner"
	"github.com/sandboxrun/engine/internal/sandbox"
	"github.com/sandboxrun/engine/internal/sandbox/containerdriver"
	"github.com/sandboxrun/engine/internal/sandbox/remotedriver"
	"github.com/sandboxrun/engine/internal/task"
	"github.com/sandboxrun/engine/internal/taskstore/memstore"
)

var (
	cfgFile string
	verbose bool
)

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	w := colorable.NewColorableStderr()
	h := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(h))
}

func newDriver(cfg *config.Config) (sandbox.Driver, error) {
	switch cfg.SandboxBackend {
	case config.BackendContainer:
		return containerdriver.New(containerdriver.Options{
			Image:   cfg.ContainerImage,
			UID:     cfg.ContainerUID,
			GID:     cfg.ContainerGID,
			BaseDir: cfg.WorkspaceBasePath,
		}), nil
	case config.BackendRemote:
		return remotedriver.New(cfg.SandboxRemoteURL, cfg.SandboxRemoteAPIKey, cfg.SandboxTemplateID), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.SandboxBackend)
	}
}

// stack holds the wired engine and its collaborators for one invocation.
type stack struct {
	cfg    *config.Config
	eng    *engine.Engine
	sup    *fleet.Supervisor
	driver sandbox.Driver
	stop   func()
}

func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	driver, err := newDriver(cfg)
	if err != nil {
		return nil, err
	}
	store := memstore.New()
	r := &runner.Runner{
		Driver:   driver,
		Store:    store,
		Timeouts: cfg.Timeouts,
		Limits: sandbox.ResourceLimits{
			CPUs:      cfg.ContainerCPUShares,
			MemoryMiB: cfg.ContainerMemLimit,
			Lifetime:  cfg.Timeouts.Sandbox,
		},
		LogDir: cfg.LogDir,
		AgentEnv: map[task.AgentKind][]string{
			task.AgentClaude: credentialEnv("ANTHROPIC_API_KEY"),
			task.AgentCodex:  credentialEnv("OPENAI_API_KEY"),
		},
		CommitMsg: runner.NewCommitMessenger(ctx, cfg.CommitMsgProvider, cfg.CommitMsgModel),
	}
	sup := fleet.New(r, driver, store, fleet.Options{
		WorkerConcurrency:  cfg.WorkerConcurrency,
		PerUserConcurrency: cfg.PerUserConcurrency,
		SweepInterval:      cfg.OrphanSweepInterval,
		OrphanAgeThreshold: cfg.OrphanAgeThreshold,
	})
	r.Registry = sup

	runCtx, cancel := context.WithCancel(ctx)
	sup.Start(runCtx)

	if cfgFile != "" {
		if err := config.Watch(runCtx, cfgFile, func(fresh *config.Config) {
			sup.SetPerUserCap(fresh.PerUserConcurrency)
		}); err != nil {
			slog.Warn("config watch unavailable", "err", err)
		}
	}

	eng := engine.New(store, sup, driver, cfg.LogDir)
	if err := eng.Recover(runCtx); err != nil {
		slog.Warn("startup recovery incomplete", "err", err)
	}
	return &stack{cfg: cfg, eng: eng, sup: sup, driver: driver, stop: cancel}, nil
}

// credentialEnv forwards one variable from the host environment into the
// agent's sandbox environment, if set.
func credentialEnv(key string) []string {
	if v := os.Getenv(key); v != "" {
		return []string{key + "=" + v}
	}
	return nil
}

func newRunCmd() *cobra.Command {
	var (
		repoURL    string
		branch     string
		agentKind  string
		prompt     string
		promptFile string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit one task and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			if promptFile != "" {
				data, err := os.ReadFile(promptFile) //nolint:gosec // operator-supplied path.
				if err != nil {
					return err
				}
				prompt = string(data)
			}
			credential := os.Getenv("GITHUB_TOKEN")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			st, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer st.stop()

			userID := uuid.New()
			id, err := st.eng.SubmitTask(ctx, engine.SubmitRequest{
				UserID:       userID,
				RepoURL:      repoURL,
				TargetBranch: branch,
				AgentKind:    agentKind,
				Prompt:       prompt,
				Credential:   credential,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s submitted\n", id)

			snap, err := pollTerminal(ctx, st.eng, userID, id)
			if err != nil {
				st.sup.Shutdown(context.WithoutCancel(ctx))
				return err
			}
			printResult(cmd, st, userID, snap)
			st.sup.Shutdown(context.WithoutCancel(ctx))
			if snap.State != task.StateCompleted {
				return fmt.Errorf("task %s: %s", snap.State, snap.Artifacts.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&repoURL, "repo", "", "https URL of the repository to operate on")
	cmd.Flags().StringVar(&branch, "branch", "main", "target branch")
	cmd.Flags().StringVar(&agentKind, "agent", "claude", "agent kind (claude or codex)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "task prompt")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "read the prompt from this file instead of --prompt")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func pollTerminal(ctx context.Context, eng *engine.Engine, userID uuid.UUID, id task.ID) (task.Snapshot, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		snap, err := eng.GetTaskStatus(ctx, userID, id)
		if err != nil {
			return task.Snapshot{}, err
		}
		if snap.State.IsTerminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return task.Snapshot{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printResult(cmd *cobra.Command, st *stack, userID uuid.UUID, snap task.Snapshot) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "state: %s\n", snap.State)
	if snap.Artifacts.CommitHash != "" {
		fmt.Fprintf(out, "commit: %s\n", snap.Artifacts.CommitHash)
	}
	if snap.Artifacts.ErrorReason != "" {
		fmt.Fprintf(out, "reason: %s (%s)\n", snap.Artifacts.ErrorReason, snap.Artifacts.ErrorMessage)
	}
	if meta := snap.Artifacts.Metadata; meta.CostUSD > 0 {
		fmt.Fprintf(out, "cost: $%.4f (%d in / %d out tokens)\n", meta.CostUSD, meta.Usage.InputTokens, meta.Usage.OutputTokens)
	}
	if diff, err := st.eng.GetTaskDiff(cmd.Context(), userID, snap.ID); err == nil {
		fmt.Fprintln(out, diff)
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one orphan sweep against the configured sandbox backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack(cmd.Context())
			if err != nil {
				return err
			}
			defer st.stop()
			n, err := st.sup.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d orphaned sandbox(es)\n", n)
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "enginectl",
		Short:         "Drive the AI code-task execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables override it")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(newRunCmd(), newSweepCmd())

	if err := root.Execute(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "enginectl:", err)
		os.Exit(1)
	}
}
