package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ClancyDennis/claude-commander/internal/config"
	"github.com/ClancyDennis/claude-commander/internal/events"
	"github.com/ClancyDennis/claude-commander/internal/logger"
	"github.com/ClancyDennis/claude-commander/internal/pipeline"
	"github.com/ClancyDennis/claude-commander/internal/protocol"
	"github.com/ClancyDennis/claude-commander/internal/script"
	"github.com/ClancyDennis/claude-commander/internal/storage"
	"github.com/ClancyDennis/claude-commander/internal/worker"
	"github.com/ClancyDennis/claude-commander/internal/workspace"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusWaiting = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "commander",
		Short: "Claude Worker Supervision System",
		Long:  "Commander supervises long-running claude worker processes and drives plan/build/verify pipelines over them.",
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newScriptCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newWorkersCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCleanCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app wires config, logging, storage, the event bus and the supervisor for
// one CLI invocation.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Storage
	bus      *events.Bus
	sup      *worker.Supervisor
	closeLog func() error
}

func setup() (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(cfg.DBPath())
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	bus := events.New(log)
	sup := worker.NewSupervisor(store, bus, protocol.NewSessionIndex(), log, worker.Options{
		Command:      cfg.WorkerCommand,
		DefaultModel: cfg.DefaultModel,
		RecentBuffer: cfg.OutputBuffer,
	})

	// Runs left behind by a previous crash of this process are finalized
	// before anything new starts.
	if n, err := sup.ReconcileOrphans(); err != nil {
		log.Warn("orphan reconciliation failed", "error", err)
	} else if n > 0 {
		log.Info("reconciled orphaned runs", "count", n)
	}

	return &app{cfg: cfg, log: log, store: store, bus: bus, sup: sup, closeLog: closeLog}, nil
}

func (a *app) close() {
	a.sup.StopAll()
	a.sup.Close()
	a.store.Close()
	a.closeLog()
}

// interruptContext cancels on SIGINT/SIGTERM so workers are stopped cleanly.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Run a plan/build/verify pipeline for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := args[0]
			repoPath, _ := cmd.Flags().GetString("repo")
			model, _ := cmd.Flags().GetString("model")
			maxIter, _ := cmd.Flags().GetInt("max-iterations")
			verbose, _ := cmd.Flags().GetBool("verbose")

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			if maxIter <= 0 {
				maxIter = a.cfg.MaxIterations
			}
			if model == "" {
				model = a.cfg.DefaultModel
			}

			// Workspace first: a pipeline only enters the engine table once
			// its working directory exists.
			id := pipeline.NewID()
			ws, err := workspace.Create(a.cfg.WorkspacesDir(), id, repoPath)
			if err != nil {
				return err
			}
			if err := ws.WriteMetadata(&workspace.Metadata{
				PipelineID: id,
				Request:    request,
				SourceRepo: repoPath,
			}); err != nil {
				return err
			}

			engine := pipeline.NewEngine(a.sup, a.bus, a.log, pipeline.Options{
				Model:         model,
				MaxIterations: maxIter,
			})
			p := engine.Submit(id, request, ws.RepoPath, maxIter)

			fmt.Printf("Created pipeline %s\n", p.ID)
			fmt.Printf("Workspace: %s\n", ws.RepoPath)

			unsubscribe := a.bus.SubscribeAll(printerFor(verbose))
			defer unsubscribe()

			ctx, cancel := interruptContext()
			defer cancel()

			runErr := engine.Run(ctx, p)

			// Persist the final snapshot either way: failed pipelines are
			// finalized too, and the history is what status reads later.
			final, err := engine.Get(p.ID)
			if err != nil {
				return err
			}
			if err := ws.WriteResult(final); err != nil {
				a.log.Warn("persisting pipeline result", "pipeline", p.ID, "error", err)
			}
			if runErr != nil {
				return fmt.Errorf("pipeline failed: %w", runErr)
			}
			fmt.Printf("\nPipeline %s: %s\n", final.ID, styleState(string(final.State)))
			fmt.Printf("Outcome: %s\n", final.Outcome)
			fmt.Printf("Iterations: %d\n", final.CurrentIteration)
			return nil
		},
	}

	cmd.Flags().StringP("repo", "r", "", "Source git repository to work in (worktree-isolated)")
	cmd.Flags().StringP("model", "m", "", "Model for spawned workers")
	cmd.Flags().Int("max-iterations", 0, "Iteration budget for the decision loop")
	cmd.Flags().BoolP("verbose", "v", false, "Print every worker output event")
	return cmd
}

// printerFor renders bus events as they happen during a foreground run.
func printerFor(verbose bool) events.Handler {
	return func(ev events.Event) {
		switch ev.Name {
		case pipeline.EventStepStatus:
			if phase, ok := ev.Payload["phase"].(string); ok {
				fmt.Println(dimStyle.Render("-> " + phase))
			}
		case pipeline.EventStepCompleted:
			role, _ := ev.Payload["role"].(string)
			fmt.Println(headerStyle.Render(fmt.Sprintf("[%s done]", role)))
			if out, ok := ev.Payload["output"].(string); ok && out != "" {
				fmt.Println(truncate(out, 400))
			}
		case worker.EventWorkerOutput:
			if !verbose {
				return
			}
			kind, _ := ev.Payload["type"].(string)
			content, _ := ev.Payload["content"].(string)
			fmt.Println(dimStyle.Render(fmt.Sprintf("  %s %s", kind, truncate(content, 160))))
		case worker.EventInputRequired:
			if verbose {
				fmt.Println(dimStyle.Render("  worker turn finished"))
			}
		}
	}
}

func newScriptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script <workflow.lua> <prompt>",
		Short: "Run a Lua workflow script against supervised workers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptPath := args[0]
			prompt := args[1]
			dir, _ := cmd.Flags().GetString("dir")

			if !script.IsScript(scriptPath) {
				return fmt.Errorf("not a Lua workflow script: %s", scriptPath)
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			if dir == "" {
				dir, err = os.Getwd()
				if err != nil {
					return err
				}
			}

			ctx, cancel := interruptContext()
			defer cancel()

			rt := script.NewRuntime(a.sup, a.log, dir)
			runErr := rt.Execute(ctx, scriptPath, prompt)

			for _, line := range rt.Logs() {
				fmt.Println(dimStyle.Render(line))
			}
			if runErr != nil {
				return runErr
			}

			fmt.Println(statusDone.Render("Workflow completed"))
			return nil
		},
	}

	cmd.Flags().StringP("dir", "d", "", "Working directory for workers (default: current directory)")
	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent worker runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			runs, err := a.store.QueryRuns(worker.RunFilter{Limit: limit})
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, rec := range runs {
				line := fmt.Sprintf("%s %s %s %s",
					rec.ID,
					styleState(string(rec.Status)),
					dimStyle.Render(storage.FormatTimeAgo(rec.StartedAt)),
					truncate(rec.WorkingDir, 50))
				if rec.CanResume {
					line += " " + statusWaiting.Render("(resumable)")
				}
				fmt.Println(line)
			}

			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum runs to show")
	return cmd
}

func newWorkersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Show live workers supervised by this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			workers := a.sup.List()
			if len(workers) == 0 {
				fmt.Println("No live workers.")
				return nil
			}

			for _, info := range workers {
				fmt.Printf("%s %s %s prompts=%d tools=%d $%.4f\n",
					info.ID,
					styleState(string(info.Status)),
					dimStyle.Render(truncate(info.Dir, 40)),
					info.Stats.Prompts, info.Stats.ToolCalls, info.Stats.CostUSD)
			}
			return nil
		},
	}
}

func newCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <pipeline-id>",
		Short: "Remove a pipeline's workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			if err := workspace.Remove(cfg.WorkspacesDir(), args[0]); err != nil {
				return err
			}

			fmt.Printf("Removed workspace for pipeline %s\n", args[0])
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id|pipeline-id>",
		Short: "Show a run's status and accounting, or a pipeline's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.store.GetRun(args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return printPipelineStatus(a.cfg.WorkspacesDir(), args[0])
			}
			if err != nil {
				return err
			}

			fmt.Printf("Run %s\n", headerStyle.Render(rec.ID))
			fmt.Printf("Status: %s\n", styleState(string(rec.Status)))
			fmt.Printf("Directory: %s\n", rec.WorkingDir)
			fmt.Printf("Started: %s\n", rec.StartedAt.Format("2006-01-02 15:04:05"))
			if rec.EndedAt != nil {
				fmt.Printf("Ended: %s\n", rec.EndedAt.Format("2006-01-02 15:04:05"))
			}
			if rec.CanResume {
				fmt.Printf("Resumable: yes (payload %s)\n", rec.ResumePayload)
			}
			if rec.Error != "" {
				fmt.Printf("Error: %s\n", statusFailed.Render(rec.Error))
			}

			st := rec.Stats
			fmt.Println("\nAccounting:")
			fmt.Printf("  Prompts: %d  Tool calls: %d  Turns: %d\n", st.Prompts, st.ToolCalls, st.Turns)
			fmt.Printf("  Tokens: %d in / %d out  Cost: $%.4f\n", st.InputTokens, st.OutputTokens, st.CostUSD)
			fmt.Printf("  Output: %d bytes  API time: %dms\n", st.OutputBytes, st.DurationAPIMS)
			for model, mu := range st.ModelUsage {
				fmt.Printf("  %s: %d in / %d out  $%.4f\n",
					dimStyle.Render(model), mu.InputTokens, mu.OutputTokens, mu.CostUSD)
			}

			prompts, err := a.store.Prompts(rec.ID)
			if err != nil {
				return err
			}
			if len(prompts) > 0 {
				fmt.Println("\nPrompts:")
				for i, p := range prompts {
					fmt.Printf("  %d. %s\n", i+1, truncate(p, 80))
				}
			}

			recent, err := a.store.RecentEvents(rec.ID, 10)
			if err != nil {
				return err
			}
			if len(recent) > 0 {
				fmt.Println("\nRecent output:")
				for _, ev := range recent {
					fmt.Printf("  %s %s\n", dimStyle.Render(string(ev.Type)), truncate(ev.Content, 100))
				}
			}

			return nil
		},
	}
}

// printPipelineStatus renders the snapshot a finished pipeline left in its
// workspace: steps, decisions, and the iteration trail.
func printPipelineStatus(workspacesDir, id string) error {
	ws, err := workspace.Open(workspacesDir, id)
	if err != nil {
		return fmt.Errorf("no run or pipeline with id %s", id)
	}

	var p pipeline.Pipeline
	if err := ws.ReadResult(&p); err != nil {
		return err
	}

	fmt.Printf("Pipeline %s\n", headerStyle.Render(p.ID))
	fmt.Printf("Request: %s\n", truncate(p.Request, 100))
	fmt.Printf("State: %s\n", styleState(string(p.State)))
	if p.Outcome != "" {
		fmt.Printf("Outcome: %s\n", p.Outcome)
	}
	fmt.Printf("Iterations: %d / %d\n", p.CurrentIteration, p.MaxIterations)

	fmt.Println("\nSteps:")
	for _, s := range p.Steps {
		line := fmt.Sprintf("  %-7s %s", s.Role, styleState(string(s.Status)))
		if s.Error != "" {
			line += "  " + statusFailed.Render(truncate(s.Error, 80))
		}
		fmt.Println(line)
	}

	if len(p.History) > 0 {
		fmt.Println("\nHistory:")
		for _, rec := range p.History {
			line := fmt.Sprintf("  %d. %s", rec.Iteration, rec.Decision.Kind)
			if rec.Decision.Reason != "" {
				line += "  " + dimStyle.Render(truncate(rec.Decision.Reason, 80))
			}
			fmt.Println(line)
			for _, issue := range rec.Decision.Issues {
				fmt.Printf("     - %s\n", truncate(issue, 90))
			}
		}
	}
	return nil
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a running worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.store.GetRun(args[0])
			if err != nil {
				return err
			}

			if rec.Status != worker.RunRunning && rec.Status != worker.RunWaitingInput {
				fmt.Printf("Run %s is already %s\n", rec.ID, rec.Status)
				return nil
			}

			// The worker belongs to another commander process, so it is
			// stopped by pid rather than through the supervisor table.
			if rec.PID > 0 {
				if proc, err := os.FindProcess(rec.PID); err == nil {
					proc.Kill()
				}
			}

			rec.Status = worker.RunStopped
			if err := a.store.UpdateRun(rec); err != nil {
				return err
			}

			fmt.Printf("Stopped run %s\n", rec.ID)
			return nil
		},
	}
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id> <prompt>",
		Short: "Resume a crashed run's session with a new prompt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := args[1]
			model, _ := cmd.Flags().GetString("model")

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.store.GetRun(args[0])
			if err != nil {
				return err
			}
			if !rec.CanResume || rec.ResumePayload == "" {
				return fmt.Errorf("run %s is not resumable", rec.ID)
			}

			id, err := a.sup.Spawn(rec.WorkingDir, worker.SpawnOptions{
				Model:  model,
				Resume: rec.ResumePayload,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Resumed session as worker %s\n", id)

			if err := a.sup.SendInput(id, prompt); err != nil {
				return err
			}

			ctx, cancel := interruptContext()
			defer cancel()

			out, err := a.sup.WaitTurn(ctx, id)
			if err != nil {
				return err
			}
			if out.Crashed {
				return fmt.Errorf("worker crashed: %s", out.Err)
			}

			fmt.Println(out.Text)
			return a.sup.Stop(id)
		},
	}

	cmd.Flags().StringP("model", "m", "", "Model for the resumed worker")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its recorded history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.store.GetRun(args[0])
			if err != nil {
				return err
			}
			if rec.Status == worker.RunRunning {
				return fmt.Errorf("run %s is still running, stop it first", rec.ID)
			}

			if err := a.store.DeleteRun(rec.ID); err != nil {
				return err
			}

			fmt.Printf("Deleted run %s\n", rec.ID)
			return nil
		},
	}
}

func styleState(s string) string {
	switch s {
	case "running", "executing", "planning", "verifying":
		return statusRunning.Render(s)
	case "completed":
		return statusDone.Render(s)
	case "failed", "crashed", "gave_up":
		return statusFailed.Render(s)
	case "waiting_input", "stopped":
		return statusWaiting.Render(s)
	default:
		return s
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
