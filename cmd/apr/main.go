package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"appraisal/internal/app"
	"appraisal/internal/config"
	"appraisal/internal/db"
	"appraisal/internal/domain"
	"appraisal/internal/engine"
	"appraisal/internal/events"
	"appraisal/internal/policy"
	"appraisal/internal/repo"
	"appraisal/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "apr",
	Short: "Appraisal CLI",
	Long: `apr runs performance-review assignments from a local workspace.

Every change to an assignment is an immutable event; current state is
rebuilt by replaying the log. Commands act as the actor given by
--actor-id and --role.

- Assignment: one review of one employee, snapshotted from a template.
- Workflow: assigned -> initialized -> in_progress -> (review) -> finalized.
- Reopen: HR and leads may move an assignment back with a reason.
- Team: reporting lines used to scope team leads.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("APPRAISAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/appraisal.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("role", "admin", "actor role")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("jwt-secret", "", "HS256 signing secret for bearer tokens")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "role", "log-level", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func currentActor() (policy.Actor, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return policy.Actor{}, errors.New("--actor-id required")
	}
	role, err := domain.ParseRole(viper.GetString("role"))
	if err != nil {
		return policy.Actor{}, err
	}
	return policy.Actor{ID: id, Role: role}, nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate appraisal.yml",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOrDefault(viper.GetString("workspace"))
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			var err error
			if path != "" {
				_, err = config.FromFile(path)
			} else {
				path = config.Path(viper.GetString("workspace"))
				_, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK:", path)
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{
		Use:   "team",
		Short: "Manage reporting lines",
	}
	team.AddCommand(teamSetCmd())
	team.AddCommand(teamRemoveCmd())
	team.AddCommand(teamListCmd())
	return team
}

func teamSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <employee-id> <manager-id>",
		Short: "Set an employee's direct manager",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := authorizeTeam(e); err != nil {
					return err
				}
				if err := e.SetManager(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("%s now reports to %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func teamRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <employee-id>",
		Short: "Remove an employee's reporting line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := authorizeTeam(e); err != nil {
					return err
				}
				return e.RemoveManager(ctx, args[0])
			})
		},
	}
}

func authorizeTeam(e engine.Engine) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	return e.Workflow.Policy.Authorize(policy.OpManageTeam, actor, policy.Subject{})
}

func teamListCmd() *cobra.Command {
	var managerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reporting lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lines, err := e.Repo.ListReportingLines(ctx, managerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lines)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Employee", "Manager", "Updated"})
				for _, l := range lines {
					tw.AppendRow(table.Row{l.EmployeeID, l.ManagerID, l.UpdatedAt.Format(time.RFC3339)})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&managerID, "manager", "", "only direct reports of this manager")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Inspect the global event stream",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var (
		n            int
		kind         string
		assignmentID string
		actorID      string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "" && !events.Kind(kind).Known() {
				return fmt.Errorf("unknown event kind %q", kind)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, repo.EventFilter{
					AssignmentID: assignmentID,
					Kind:         events.Kind(kind),
					ActorID:      actorID,
				})
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&assignmentID, "assignment", "", "assignment id filter")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return errors.New("APPRAISAL_JWT_SECRET or --jwt-secret is required")
			}
			actor, err := currentActor()
			if err != nil {
				return err
			}
			tok, err := server.SignToken(secret, actor.ID, actor.Role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr            string
		basePath        string
		legacyHeaders   bool
		devLogin        bool
		webhookInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()
			secret := viper.GetString("jwt-secret")
			if secret == "" && !legacyHeaders {
				return errors.New("APPRAISAL_JWT_SECRET is required for bearer auth")
			}
			if devLogin && secret == "" {
				return errors.New("--dev-login needs a jwt secret")
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			a, err := app.Open(ctx, app.Options{
				Workspace:  viper.GetString("workspace"),
				ConfigPath: viper.GetString("config"),
				Logger:     logger,
				Registerer: reg,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: legacyHeaders,
					AllowDevLogin:          devLogin,
					Logger:                 logger,
				},
				Logger:   logger,
				Gatherer: reg,
			})
			if err != nil {
				return err
			}

			dispatcher := server.NewWebhookDispatcher(a.Engine, a.Config.Webhooks, logger)
			go dispatcher.Run(ctx, webhookInterval)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving appraisal api",
				"addr", addr,
				"base_path", basePath,
				"database", db.Path(viper.GetString("workspace")),
				"webhooks", len(a.Config.Webhooks))
			fmt.Printf("Serving Appraisal API on http://%s%s (OpenAPI at %[2]s/openapi.json, docs at %[2]s/docs, metrics at /metrics)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeaders, "allow-actor-headers", false, "accept X-Actor-Id and X-Actor-Role instead of a token (development only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	cmd.Flags().DurationVar(&webhookInterval, "webhook-interval", 2*time.Second, "webhook polling interval")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     newLogger(),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvents(items []events.Envelope) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Pos", "Assignment", "Seq", "Kind", "Actor", "At"})
	for _, env := range items {
		tw.AppendRow(table.Row{env.Position, env.AssignmentID, env.Sequence, env.Kind, env.ActorID, env.OccurredAt.Format(time.RFC3339)})
	}
	fmt.Println(tw.Render())
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
