// Command datarun is the CLI for the analysis engine: it submits tasks,
// drives runs through understanding, planning, confirmation, execution, and
// reporting, and manages recurring analyses.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/avidal-labs/datarun/internal/checkpoint"
	"github.com/avidal-labs/datarun/internal/contract"
	"github.com/avidal-labs/datarun/internal/executor"
	"github.com/avidal-labs/datarun/internal/expressions"
	"github.com/avidal-labs/datarun/internal/logging"
	"github.com/avidal-labs/datarun/internal/reasoning"
	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/internal/scheduler"
	"github.com/avidal-labs/datarun/internal/tools"
	"github.com/avidal-labs/datarun/internal/workflow"
	"github.com/avidal-labs/datarun/pkg/schema"
)

func main() {
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("datarun"),
		kong.Description("Checkpointed execution engine for collaborative data analysis"),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, loadConfig())
	kctx.FatalIfErrorf(err)
	defer a.close()

	kctx.FatalIfErrorf(kctx.Run(a))
}

// app holds the wired components shared by all commands. The tool registry,
// collaborator, and workflow machine are built lazily so listing commands do
// not launch tool provider subprocesses.
type app struct {
	ctx    context.Context
	cfg    Config
	logger *slog.Logger
	store  *checkpoint.LibSQLStore

	dataDB    *sql.DB
	machine   *workflow.Machine
	providers []*registry.MCPProvider
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	store, err := checkpoint.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	return &app{ctx: ctx, cfg: cfg, logger: logger, store: store}, nil
}

func (a *app) close() {
	for _, p := range a.providers {
		_ = p.Close()
	}
	if a.dataDB != nil {
		_ = a.dataDB.Close()
	}
	_ = a.store.Close()
}

// buildMachine assembles the full engine: data DB, tool registry, expression
// engines, collaborator, executor, and workflow machine.
func (a *app) buildMachine() (*workflow.Machine, error) {
	if a.machine != nil {
		return a.machine, nil
	}

	dataDB, err := sql.Open("libsql", "file:"+a.cfg.DataDBPath)
	if err != nil {
		return nil, fmt.Errorf("open data database: %w", err)
	}
	a.dataDB = dataDB

	jq := expressions.NewJQEngine()
	exprEngine := expressions.NewExprEngine()
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	reg := registry.NewRegistry()
	builtins := []registry.Tool{
		tools.NewSQLTool(dataDB, a.cfg.ArtifactsDir),
		tools.NewJQTool(jq),
		tools.NewProfileTool(a.cfg.ArtifactsDir),
		tools.NewReportTool(a.cfg.ArtifactsDir),
	}
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	if err := a.registerProviders(reg); err != nil {
		return nil, err
	}

	collab, err := a.buildCollaborator()
	if err != nil {
		return nil, err
	}

	exec := executor.New(executor.Config{
		Registry:    reg,
		Validator:   contract.NewValidator(),
		JQ:          jq,
		Expr:        exprEngine,
		Store:       a.store,
		Repairer:    collab,
		Logger:      a.logger,
		StepTimeout: time.Duration(a.cfg.StepTimeoutS) * time.Second,
	})

	a.machine = workflow.New(workflow.Config{
		Store:                a.store,
		Executor:             exec,
		Collaborator:         collab,
		Registry:             reg,
		Policy:               workflow.NewConfirmationPolicy(cel, a.cfg.AutoApproveRule),
		Logger:               a.logger,
		ConfirmationTimeout:  time.Duration(a.cfg.ConfirmTimeoutS) * time.Second,
		DetachOnConfirmation: true,
	})
	return a.machine, nil
}

func (a *app) registerProviders(reg *registry.Registry) error {
	for _, pcfg := range a.cfg.MCPProviders {
		provider, err := registry.NewMCPProvider(a.ctx, pcfg, a.logger)
		if err != nil {
			return fmt.Errorf("start tool provider %q: %w", pcfg.Prefix, err)
		}
		a.providers = append(a.providers, provider)

		discovered, err := provider.Discover(a.ctx)
		if err != nil {
			return fmt.Errorf("discover tools from provider %q: %w", pcfg.Prefix, err)
		}
		n, err := reg.RegisterProvider(pcfg.Prefix, discovered)
		if err != nil {
			return err
		}
		a.logger.Info("registered tool provider",
			slog.String("prefix", pcfg.Prefix),
			slog.Int("tools", n))
	}
	return nil
}

// buildCollaborator picks the LLM collaborator when a model is configured and
// falls back to the deterministic template planner otherwise.
func (a *app) buildCollaborator() (reasoning.Collaborator, error) {
	timeout := time.Duration(a.cfg.ReasoningTimeoutS) * time.Second

	if a.cfg.LLMModel != "" && a.cfg.LLMAPIKey != "" {
		opts := []openai.Option{
			openai.WithToken(a.cfg.LLMAPIKey),
			openai.WithModel(a.cfg.LLMModel),
		}
		if a.cfg.LLMBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(a.cfg.LLMBaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("configure llm: %w", err)
		}
		return reasoning.WithTimeout(reasoning.NewLLMCollaborator(model, a.logger), timeout), nil
	}

	collab, err := reasoning.NewTemplateCollaborator(a.cfg.TemplatesPath)
	if err != nil {
		return nil, err
	}
	return reasoning.WithTimeout(collab, timeout), nil
}

func (c *SubmitCmd) Run(a *app) error {
	m, err := a.buildMachine()
	if err != nil {
		return err
	}
	run, err := m.Submit(a.ctx, c.Task)
	if run != nil {
		printRun(run)
	}
	return err
}

func (c *ResumeCmd) Run(a *app) error {
	m, err := a.buildMachine()
	if err != nil {
		return err
	}
	run, err := m.Resume(a.ctx, c.RunID)
	if run != nil {
		printRun(run)
	}
	return err
}

func (c *StatusCmd) Run(a *app) error {
	cp, err := a.store.LoadLatest(a.ctx, c.RunID)
	if err != nil {
		return err
	}
	printRun(cp.Run)

	if c.History {
		history, err := a.store.History(a.ctx, c.RunID, 0)
		if err != nil {
			return err
		}
		fmt.Println("\nCheckpoints:")
		for _, h := range history {
			fmt.Printf("  %4d  %s  %s\n", h.Sequence, h.TakenAt.Format(time.RFC3339), h.Run.State)
		}
	}
	return nil
}

func (c *ReportCmd) Run(a *app) error {
	cp, err := a.store.LoadLatest(a.ctx, c.RunID)
	if err != nil {
		return err
	}
	if cp.Run.Report == nil || cp.Run.Report.Rendered == "" {
		return fmt.Errorf("run %s has no report (state %s)", c.RunID, cp.Run.State)
	}
	fmt.Println(cp.Run.Report.Rendered)
	return nil
}

func (c *ListCmd) Run(a *app) error {
	runs, err := a.store.ListRuns(a.ctx, checkpoint.RunFilter{State: c.State, Limit: c.Limit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs.")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %-20s  %s  %s\n", r.RunID, r.State, r.UpdatedAt.Format(time.RFC3339), truncate(r.Task, 60))
	}
	return nil
}

func (c *ConfirmCmd) Run(a *app) error {
	m, err := a.buildMachine()
	if err != nil {
		return err
	}
	if err := m.Decide(a.ctx, c.RunID, schema.DecisionApprove, ""); err != nil {
		return err
	}
	run, err := m.Resume(a.ctx, c.RunID)
	if run != nil {
		printRun(run)
	}
	return err
}

func (c *RejectCmd) Run(a *app) error {
	m, err := a.buildMachine()
	if err != nil {
		return err
	}
	if err := m.Decide(a.ctx, c.RunID, schema.DecisionReject, c.Feedback); err != nil {
		return err
	}
	run, err := m.Resume(a.ctx, c.RunID)
	if run != nil {
		printRun(run)
	}
	return err
}

func (c *FeedbackCmd) Run(a *app) error {
	m, err := a.buildMachine()
	if err != nil {
		return err
	}
	if err := m.Feedback(a.ctx, c.RunID, c.Feedback); err != nil {
		return err
	}
	run, err := m.Resume(a.ctx, c.RunID)
	if run != nil {
		printRun(run)
	}
	return err
}

func (c *CancelCmd) Run(a *app) error {
	m, err := a.buildMachine()
	if err != nil {
		return err
	}
	if err := m.Cancel(a.ctx, c.RunID); err != nil {
		return err
	}
	fmt.Printf("Run %s cancelled.\n", c.RunID)
	return nil
}

func (c *ScheduleAddCmd) Run(a *app) error {
	sched := scheduler.New(a.store, nil, a.logger)
	next, err := sched.NextRun(c.Cron, time.Now().UTC())
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task := &checkpoint.ScheduledTask{
		ID:        c.Name,
		Name:      c.Name,
		CronExpr:  c.Cron,
		Task:      c.Task,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.UpsertScheduledTask(a.ctx, task); err != nil {
		return err
	}
	fmt.Printf("Scheduled %q, next run %s.\n", c.Name, next.Format(time.RFC3339))
	return nil
}

func (c *ScheduleListCmd) Run(a *app) error {
	tasks, err := a.store.ListScheduledTasks(a.ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No scheduled tasks.")
		return nil
	}
	sched := scheduler.New(a.store, nil, a.logger)
	for _, t := range tasks {
		next := "invalid cron"
		if n, err := sched.NextRun(t.CronExpr, time.Now().UTC()); err == nil {
			next = n.Format(time.RFC3339)
		}
		fmt.Printf("%-20s  %-16s  next %s  %s\n", t.Name, t.CronExpr, next, truncate(t.Task, 50))
	}
	return nil
}

func (c *ScheduleRmCmd) Run(a *app) error {
	if err := a.store.DeleteScheduledTask(a.ctx, c.Name); err != nil {
		return err
	}
	fmt.Printf("Removed scheduled task %q.\n", c.Name)
	return nil
}

func (c *ServeCmd) Run(a *app) error {
	m, err := a.buildMachine()
	if err != nil {
		return err
	}
	sched := scheduler.New(a.store, m, a.logger)
	if err := sched.Start(a.ctx); err != nil {
		return err
	}
	fmt.Println("Scheduler running. Ctrl-C to stop.")
	<-a.ctx.Done()
	return sched.Stop()
}

// printRun shows the run state plus whatever the user needs to act on next:
// open questions, the plan awaiting confirmation, the report, or the error.
func printRun(run *schema.Run) {
	fmt.Printf("Run %s: %s\n", run.ID, run.State)

	switch run.State {
	case schema.RunStateAwaitingFeedback:
		if run.Understanding != nil {
			fmt.Println("\nOpen questions:")
			for _, q := range run.Understanding.OpenQuestions {
				fmt.Printf("  - %s\n", q)
			}
		}
		fmt.Printf("\nAnswer with: datarun feedback %s \"...\"\n", run.ID)

	case schema.RunStateNeedsConfirmation:
		if run.Plan != nil {
			printPlan(run.Plan)
		}
		if run.Confirmation != nil {
			fmt.Printf("\nConfirm before %s:\n", run.Confirmation.Deadline.Format(time.RFC3339))
		}
		fmt.Printf("  datarun confirm %s\n", run.ID)
		fmt.Printf("  datarun reject %s \"...\"\n", run.ID)

	case schema.RunStateCompleted:
		if run.Report != nil && run.Report.Summary != "" {
			fmt.Printf("\n%s\n", run.Report.Summary)
		}
		fmt.Printf("\nFull report: datarun report %s\n", run.ID)

	case schema.RunStateFailed:
		if run.Error != nil {
			fmt.Printf("\nError [%s]: %s\n", run.Error.Code, run.Error.Message)
		}
	}
}

func printPlan(plan *schema.Plan) {
	fmt.Printf("\nPlan %s (v%d):\n", plan.ID, plan.Version)
	for i, step := range plan.Steps {
		fmt.Printf("  %d. [%s] %s", i+1, step.Tool, step.ID)
		if step.Name != "" {
			fmt.Printf(": %s", step.Name)
		}
		fmt.Println()
	}
	cost := plan.EstimatedCost
	fmt.Printf("Estimated cost: %d queries, ~%d rows, ~%ds runtime\n",
		cost.DBQueries, cost.ExpectedRows, cost.RuntimeS)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
