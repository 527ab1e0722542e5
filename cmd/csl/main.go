package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/orchestrate"
	"caseline/internal/phase"
	"caseline/internal/schedule"
	"caseline/internal/server"
	"caseline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "csl",
	Short: "Caseline CLI",
	Long: `Caseline orchestrates multi-agent investigations through a fixed phase pipeline.
Core concepts:
- Workspace: your .caseline directory holding the database; config lives in caseline.yml next to it.
- Investigation: the unit of work, moving initial -> source_collection -> ... -> completed one phase at a time.
- Phases: forward by one, back by one with explicit confirmation, or error from anywhere; nothing else.
- Agents: workers registered with a capability class (planning, collection, analysis, synthesis, reporting).
- Tasks: capability-scoped work items matched to idle agents; unmatched tasks queue until a worker appears.
- Batches: a group of tasks awaited together under all-or-fail or best-effort policy.
- Approvals: human gates; while one is open no phase transition goes through, and a lapsed gate auto-denies.
- Event log: the durable, per-investigation ordered record; view with 'csl log tail' or stream over SSE.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := store.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(investigationCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// withCore opens the workspace database, runs migrations and hands the
// callback a fully wired orchestration core. Each CLI invocation is its
// own process, so the core warm-starts from the durable state.
func withCore(ctx context.Context, fn func(context.Context, *orchestrate.Core, store.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := store.Open(store.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := store.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	st := store.Store{DB: conn}
	core, err := orchestrate.New(st, cfg, nil)
	if err != nil {
		return err
	}
	return fn(ctx, core, st)
}

func investigationCmd() *cobra.Command {
	inv := &cobra.Command{Use: "investigation", Short: "Manage investigations"}
	inv.AddCommand(investigationListCmd())
	inv.AddCommand(investigationCreateCmd())
	inv.AddCommand(investigationShowCmd())
	inv.AddCommand(investigationTransitionCmd())
	inv.AddCommand(investigationHistoryCmd())
	inv.AddCommand(investigationSnapshotCmd())
	return inv
}

func investigationListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List investigations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				items := c.ListInvestigations()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Phase", "Updated"})
				for _, inv := range items {
					tw.AppendRow(table.Row{inv.ID, inv.Title, inv.Phase, inv.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func investigationCreateCmd() *cobra.Command {
	var title string
	var targets []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an investigation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(title) == "" {
				return fmt.Errorf("--title is required")
			}
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				inv, err := c.CreateInvestigation(ctx, title, targets, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "investigation title")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "target (repeatable)")
	return cmd
}

func investigationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <investigation-id>",
		Short: "Show an investigation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				inv, err := c.GetInvestigation(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	return cmd
}

func investigationTransitionCmd() *cobra.Command {
	var target, reason string
	var confirm bool
	cmd := &cobra.Command{
		Use:   "transition <investigation-id>",
		Short: "Request a phase transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				inv, err := c.TransitionPhase(ctx, orchestrate.TransitionRequest{
					InvestigationID: args[0],
					Target:          phase.Phase(target),
					Reason:          reason,
					RequestedBy:     viper.GetString("actor-id"),
					Confirm:         confirm,
				})
				if err != nil {
					var illegal *orchestrate.IllegalTransitionError
					if errors.As(err, &illegal) {
						return fmt.Errorf("%w (legal: %s)", err, strings.Join(phase.Strings(illegal.Legal), ", "))
					}
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "destination phase")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the move")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm a regressive move")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func investigationHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <investigation-id>",
		Short: "Show the transition audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, _ *orchestrate.Core, st store.Store) error {
				records, err := st.ListTransitions(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "From", "To", "Accepted", "Requested By", "Error"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.Timestamp, r.FromPhase, r.ToPhase, r.Accepted, r.RequestedBy, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of records")
	return cmd
}

func investigationSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <investigation-id>",
		Short: "Show the consolidated workflow snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				snap, err := c.Snapshot(args[0])
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Manage agents"}
	ag.AddCommand(agentRegisterCmd())
	ag.AddCommand(agentListCmd())
	ag.AddCommand(agentStatusCmd())
	ag.AddCommand(agentRemoveCmd())
	return ag
}

func agentRegisterCmd() *cobra.Command {
	var id, name, capability string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("--id is required")
			}
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				a, err := c.RegisterAgent(ctx, domain.AgentAssignment{
					AgentID:    id,
					Name:       name,
					Capability: domain.CapabilityClass(capability),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent identifier")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&capability, "capability", "", "capability class")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func agentListCmd() *cobra.Command {
	var capability string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				agents := c.Registry().List(domain.CapabilityClass(capability))
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Capability", "Status", "Done", "Success"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.AgentID, a.Name, a.Capability, a.Status,
						a.Metrics.TasksCompleted, fmt.Sprintf("%.2f", a.Metrics.SuccessRate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&capability, "capability", "", "capability filter")
	return cmd
}

func agentStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <agent-id>",
		Short: "Record an agent's observed status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				a, err := c.UpdateAgentStatus(ctx, args[0], domain.AgentStatus(status))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (idle|active|busy|error|completed)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func agentRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <agent-id>",
		Short: "Remove an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				if err := c.RemoveAgent(args[0]); err != nil {
					return err
				}
				fmt.Println("removed", args[0])
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	tk := &cobra.Command{Use: "task", Short: "Manage tasks"}
	tk.AddCommand(taskAssignCmd())
	tk.AddCommand(taskListCmd())
	tk.AddCommand(taskShowCmd())
	tk.AddCommand(taskProgressCmd())
	tk.AddCommand(taskResultCmd())
	tk.AddCommand(taskCancelCmd())
	tk.AddCommand(taskBatchCmd())
	return tk
}

func taskAssignCmd() *cobra.Command {
	var invID, capability, description, priority string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				t, err := c.AssignTask(ctx, invID,
					domain.CapabilityClass(capability), description, domain.TaskPriority(priority))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&invID, "investigation", "", "investigation id")
	cmd.Flags().StringVar(&capability, "capability", "", "capability class")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&priority, "priority", "medium", "priority (low|medium|high|critical)")
	_ = cmd.MarkFlagRequired("investigation")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func taskListCmd() *cobra.Command {
	var invID string
	var open bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				tasks := c.Scheduler().List(invID, open)
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Investigation", "Capability", "Status", "Agent", "Progress"})
				for _, t := range tasks {
					agent := ""
					if t.AgentID != nil {
						agent = *t.AgentID
					}
					tw.AppendRow(table.Row{t.ID, t.InvestigationID, t.Capability, t.Status, agent, t.Progress})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&invID, "investigation", "", "investigation filter")
	cmd.Flags().BoolVar(&open, "open", false, "only pending and in-progress tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				t, err := c.Scheduler().Get(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskProgressCmd() *cobra.Command {
	var percent int
	cmd := &cobra.Command{
		Use:   "progress <task-id>",
		Short: "Report task progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				t, err := c.ReportTaskProgress(ctx, args[0], percent)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&percent, "percent", 0, "completion percent (0-100)")
	_ = cmd.MarkFlagRequired("percent")
	return cmd
}

func taskResultCmd() *cobra.Command {
	var success bool
	var resultRef, failureReason string
	cmd := &cobra.Command{
		Use:   "result <task-id>",
		Short: "Report a task result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				t, err := c.ReportTaskResult(ctx, args[0], success, resultRef, failureReason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&success, "success", false, "whether the task succeeded")
	cmd.Flags().StringVar(&resultRef, "result-ref", "", "evidence reference for a success")
	cmd.Flags().StringVar(&failureReason, "failure-reason", "", "reason for a failure")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel an unresolved task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				t, err := c.CancelTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskBatchCmd() *cobra.Command {
	var invID, policy string
	var specs []string
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Dispatch a task batch and await it",
		Long: `Dispatch several tasks at once and wait for all of them to resolve.
Each --spec is capability:description[:priority], e.g. collection:"scrape forum":high.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(specs) == 0 {
				return fmt.Errorf("at least one --spec is required")
			}
			parsed := make([]orchestrate.TaskSpec, 0, len(specs))
			for _, raw := range specs {
				parts := strings.SplitN(raw, ":", 3)
				if len(parts) < 2 {
					return fmt.Errorf("bad spec %q: want capability:description[:priority]", raw)
				}
				spec := orchestrate.TaskSpec{
					Capability:  domain.CapabilityClass(parts[0]),
					Description: parts[1],
				}
				if len(parts) == 3 {
					spec.Priority = domain.TaskPriority(parts[2])
				}
				parsed = append(parsed, spec)
			}
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				var timeout time.Duration
				if timeoutSeconds > 0 {
					timeout = time.Duration(timeoutSeconds) * time.Second
				}
				result, err := c.RunBatch(ctx, invID, parsed, schedule.BatchPolicy(policy), timeout)
				if err != nil && len(result.Succeeded) == 0 && len(result.Failed) == 0 {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().StringVar(&invID, "investigation", "", "investigation id")
	cmd.Flags().StringArrayVar(&specs, "spec", nil, "task spec (repeatable)")
	cmd.Flags().StringVar(&policy, "policy", string(schedule.AllOrFail), "all-or-fail or best-effort")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "await timeout in seconds (0 = configured default)")
	_ = cmd.MarkFlagRequired("investigation")
	return cmd
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "Manage approval gates"}
	ap.AddCommand(approvalRequestCmd())
	ap.AddCommand(approvalResolveCmd())
	ap.AddCommand(approvalListCmd())
	return ap
}

func approvalRequestCmd() *cobra.Command {
	var invID, action string
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request an approval gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				a, err := c.RequestApproval(ctx, invID, action, time.Duration(timeoutSeconds)*time.Second)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&invID, "investigation", "", "investigation id")
	cmd.Flags().StringVar(&action, "action", "", "action awaiting approval")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "timeout in seconds (0 = configured default, negative = no deadline)")
	_ = cmd.MarkFlagRequired("investigation")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func approvalResolveCmd() *cobra.Command {
	var approve, deny bool
	cmd := &cobra.Command{
		Use:   "resolve <approval-id>",
		Short: "Approve or deny a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == deny {
				return fmt.Errorf("exactly one of --approve or --deny is required")
			}
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				a, err := c.ResolveApproval(args[0], approve, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the action")
	cmd.Flags().BoolVar(&deny, "deny", false, "deny the action")
	return cmd
}

func approvalListCmd() *cobra.Command {
	var invID string
	var open bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, c *orchestrate.Core, _ store.Store) error {
				var approvals []domain.ApprovalRequest
				if open {
					approvals = c.Gates().Open(invID)
				} else {
					approvals = c.Gates().List(invID)
				}
				if viper.GetBool("json") {
					return printJSON(approvals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Investigation", "Action", "Resolved", "Approved", "Resolver"})
				for _, a := range approvals {
					resolved, approved, resolver := "no", "", ""
					if a.Resolution != nil {
						resolved = "yes"
						approved = fmt.Sprintf("%v", a.Resolution.Approved)
						resolver = a.Resolution.Resolver
					}
					tw.AppendRow(table.Row{a.ID, a.InvestigationID, a.Action, resolved, approved, resolver})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&invID, "investigation", "", "investigation filter")
	cmd.Flags().BoolVar(&open, "open", false, "only unresolved gates")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	var invID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, _ *orchestrate.Core, st store.Store) error {
				events, err := st.EventsAfter(ctx, n, after, invID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "cursor: only events after this id")
	cmd.Flags().StringVar(&invID, "investigation", "", "investigation filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := store.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := store.Open(store.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := store.Migrate(conn); err != nil {
				return err
			}
			settings, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				settings.Server.Addr = addr
			}
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()
			st := store.Store{DB: conn}
			core, err := orchestrate.New(st, settings, log)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Core:     core,
				Store:    st,
				Settings: settings,
				Log:      log,
				BasePath: basePath,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: settings.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caseline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", settings.Server.Addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
