package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskgen/internal/app"
	"taskgen/internal/config"
	"taskgen/internal/domain"
	"taskgen/internal/engine"
	"taskgen/internal/migrate"
	"taskgen/internal/repo"
	"taskgen/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "taskgen",
	Short: "Task generation and lifecycle engine",
	Long: `taskgen scans projects, talents and collaborations and keeps a set of
actionable tasks in step with them.
- Rules: pending_publish (per collaboration), weekly_performance_update and
  monthly_price_update (system wide).
- A scan creates, refreshes, reopens or completes tasks by natural key and
  writes one run log.
- Collaborators read pending tasks and report finished actions through the
  HTTP engine endpoint or this CLI.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKGEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(fixturesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the scan scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Logger: a.Logger})
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				if !noScheduler {
					go a.Scheduler().Start(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving taskgen API", "addr", addr, "base_path", basePath, "scan_interval", a.Config.Scan.Interval)
				fmt.Printf("Serving taskgen API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without timer-triggered scans")
	return cmd
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one scan now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				summary, err := a.Engine.Run(cmd.Context(), domain.TriggerManual)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("run %s: %s\n", summary.ID, summary.OverallStatus)
				tw := newTable()
				tw.AppendHeader(table.Row{"Rule", "Created", "Refreshed", "Reopened", "Completed", "Error"})
				for _, o := range summary.PerRule {
					tw.AppendRow(table.Row{o.RuleType, o.Created, o.Refreshed, o.Reopened, o.Completed, o.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logsCmd() *cobra.Command {
	var limit int
	var before string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent run logs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				logs, err := a.Engine.RecentLogs(cmd.Context(), limit, before)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Started", "Trigger", "Status", "Created", "Refreshed", "Reopened", "Completed", "Errors"})
				for _, l := range logs {
					var total domain.RuleOutcome
					var errs []string
					for _, o := range l.PerRule {
						total.Created += o.Created
						total.Refreshed += o.Refreshed
						total.Reopened += o.Reopened
						total.Completed += o.Completed
						if o.Error != "" {
							errs = append(errs, string(o.RuleType))
						}
					}
					if l.Error != "" {
						errs = append(errs, l.Error)
					}
					tw.AppendRow(table.Row{l.ID, l.StartedAt, l.Trigger, l.OverallStatus,
						total.Created, total.Refreshed, total.Reopened, total.Completed, strings.Join(errs, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of logs")
	cmd.Flags().StringVar(&before, "before", "", "only logs older than this run id")
	return cmd
}

func tasksCmd() *cobra.Command {
	tasks := &cobra.Command{Use: "tasks", Short: "Inspect and complete tasks"}
	tasks.AddCommand(tasksPendingCmd())
	tasks.AddCommand(tasksListCmd())
	tasks.AddCommand(tasksCompleteCmd())
	return tasks
}

func tasksPendingCmd() *cobra.Command {
	var exclude []string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Pending tasks grouped by project",
		RunE: func(cmd *cobra.Command, args []string) error {
			var types []domain.TaskType
			for _, raw := range exclude {
				t, err := domain.ParseTaskType(raw)
				if err != nil {
					return err
				}
				types = append(types, t)
			}
			return withApp(func(a *app.App) error {
				grouped, err := a.Engine.PendingByProject(cmd.Context(), types)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grouped)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Project", "Name", "Type", "Title", "Due", "Count"})
				for pid, pt := range grouped {
					for _, t := range pt.Tasks {
						tw.AppendRow(table.Row{pid, pt.ProjectName, t.Type, t.Title, deref(t.DueDate), countCell(t.Count)})
					}
				}
				tw.SortBy([]table.SortBy{{Name: "Project"}, {Name: "Due"}})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "task types to leave out")
	return cmd
}

func tasksListCmd() *cobra.Command {
	var taskType, status string
	f := repo.TaskFilters{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskType != "" {
				t, err := domain.ParseTaskType(taskType)
				if err != nil {
					return err
				}
				f.Type = t
			}
			switch domain.Status(status) {
			case "", domain.StatusPending, domain.StatusCompleted:
				f.Status = domain.Status(status)
			default:
				return fmt.Errorf("invalid --status %q", status)
			}
			return withApp(func(a *app.App) error {
				items, err := a.Engine.ListTasks(cmd.Context(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Key", "Status", "Last", "Title", "Due", "Count", "Updated"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.NaturalKey, t.Status, t.LastTransition, t.Title, deref(t.DueDate), countCell(t.Count), t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "task type filter")
	cmd.Flags().StringVar(&status, "status", "", "pending or completed")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func tasksCompleteCmd() *cobra.Command {
	var sig engine.Signal
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Report a finished domain action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				n, err := a.Engine.CompleteSignal(cmd.Context(), sig)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"success": true, "completed": n})
				}
				fmt.Printf("completed %d task(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sig.Type, "type", "", "task type")
	cmd.Flags().StringVar(&sig.ProjectID, "project", "", "related project id")
	cmd.Flags().StringVar(&sig.CollaborationID, "collaboration", "", "related collaboration id (optional)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func fixturesCmd() *cobra.Command {
	fx := &cobra.Command{Use: "fixtures", Short: "Seed source records"}
	var file string
	load := &cobra.Command{
		Use:   "load",
		Short: "Import projects, talents, collaborations and works from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := repo.FixturesFromFile(file)
			if err != nil {
				return err
			}
			return withApp(func(a *app.App) error {
				r, err := a.Repo(cmd.Context())
				if err != nil {
					return err
				}
				if err := r.ApplyFixtures(cmd.Context(), f); err != nil {
					return err
				}
				fmt.Printf("loaded %d project(s), %d talent(s), %d collaboration(s), %d work(s)\n",
					len(f.Projects), len(f.Talents), len(f.Collaborations), len(f.Works))
				return nil
			})
		},
	}
	load.Flags().StringVarP(&file, "file", "f", "", "fixtures yaml")
	_ = load.MarkFlagRequired("file")
	fx.AddCommand(load)
	return fx
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := c.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	return cfg
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				conn, err := a.Pool.Conn(cmd.Context())
				if err != nil {
					return err
				}
				v, err := migrate.Version(cmd.Context(), conn)
				if err != nil {
					return err
				}
				fmt.Printf("%s at schema version %d (latest %d)\n", a.Config.Database.Path, v, migrate.Latest())
				return nil
			})
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

func withApp(fn func(*app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func countCell(n *int) string {
	if n == nil {
		return ""
	}
	return fmt.Sprint(*n)
}
