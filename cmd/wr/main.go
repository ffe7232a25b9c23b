package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workreport/internal/app"
	"workreport/internal/config"
	"workreport/internal/db"
	"workreport/internal/domain"
	"workreport/internal/engine"
	"workreport/internal/logging"
	"workreport/internal/migrate"
	"workreport/internal/repo"
	"workreport/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wr",
	Short: "Weekly work report generator",
	Long: `wr turns a week of commits into a filled-in work report spreadsheet.
- Projects: local repositories listed in the config; each one becomes a group of rows.
- Window: the report week, by default the current Monday to Friday.
- Modes: batch asks the model to group a project's commits into tasks; per-commit classifies every commit as a task or a problem.
- Runs: every generation is stored in the workspace database and can be exported again later.
- Event log: diary of runs and exports, view with 'wr log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
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
		stop()
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WORKREPORT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (YAML or TOML); defaults to workreport.yml, then the stored config")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "append JSON logs to this file instead of stderr")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level", "log-file"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func generateCmd() *cobra.Command {
	var req engine.Request
	var noExport bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the report for a window",
		Long:  "Reads the commits of every project in the window, classifies them and writes the spreadsheet. --dry-run only prints the preview.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Generate(ctx, req)
				if err != nil {
					return err
				}
				var outPath string
				if !rep.Empty && !req.DryRun && !noExport {
					if outPath, err = e.Export(ctx, rep.RunID, req.ActorID); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"report": rep, "output_path": outPath})
				}
				printReport(rep)
				switch {
				case rep.Empty:
					fmt.Printf("No commits between %s and %s.\n", rep.Since, rep.Until)
				case outPath != "":
					fmt.Printf("Report written to %s\n", outPath)
				case rep.RunID != "":
					fmt.Printf("Run %s stored; export with 'wr export %s'.\n", rep.RunID, rep.RunID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Since, "since", "", "window start YYYY-MM-DD (default: start of the current week)")
	cmd.Flags().StringVar(&req.Until, "until", "", "window end YYYY-MM-DD, inclusive")
	cmd.Flags().StringVar(&req.Mode, "mode", "", "classification mode: batch or per-commit (default from config)")
	cmd.Flags().StringVar(&req.Owner, "owner", "", "report owner (default from config)")
	cmd.Flags().StringArrayVar(&req.Projects, "project", nil, "repository path; repeatable, replaces the configured projects")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "preview without storing or exporting")
	cmd.Flags().BoolVar(&noExport, "no-export", false, "store the run without writing the spreadsheet")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write the spreadsheet of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				path, err := e.Export(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"run_id": args[0], "path": path})
				}
				fmt.Printf("Report written to %s\n", path)
				return nil
			})
		},
	}
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored report runs",
	}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Window", "Owner", "Mode", "Commits", "Status", "Created"})
				for _, run := range items {
					tw.AppendRow(table.Row{run.ID, run.Since + " - " + run.Until, run.Owner, run.Mode, run.CommitCount, run.Status, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (empty, generated, exported)")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the rows of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				fmt.Printf("%s (%s, %s)\n", run.Title, run.Status, run.Mode)
				printRows(run.Tasks, run.Problems)
				if run.OutputPath != "" {
					fmt.Printf("Exported to %s\n", run.OutputPath)
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage the report config",
		Long:  "The config names the owner, the repositories, the model endpoint and the spreadsheet template. It is read from --config, then workreport.yml, then the copy stored in the workspace database.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				out, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Config.Validate(); err != nil {
					return err
				}
				if _, err := os.Stat(e.Config.Template.Path); err != nil {
					return fmt.Errorf("template %s: %w", e.Config.Template.Path, err)
				}
				return nil
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store a YAML or TOML config in the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.PutConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Printf("Imported %s (%d projects)\n", filePath, len(cfg.Projects))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to the config file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var owner string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default workreport.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(owner)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "report owner")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, 0, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Run", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.RunID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, apiKeys bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the report API. Set WORKREPORT_JWT_SECRET to require bearer tokens or pass --api-keys to accept stored keys; with neither every request acts as the local user.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret: viper.GetString("jwt-secret"),
					APIKeys:   apiKeys,
					DevLogin:  devLogin,
				}
				if authCfg.JWTSecret == "" && !apiKeys {
					e.Log.Warn().Msg("no auth configured; every request acts as the local user")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Log: e.Log})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving work report API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login to mint tokens")
	cmd.Flags().BoolVar(&apiKeys, "api-keys", false, "accept X-Api-Key with keys from 'wr apikey create'")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for 'wr serve --api-keys'",
	}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyDeleteCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, name string
	var scopes []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := make([]byte, 24)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			plain := "wr_" + hex.EncodeToString(secret)
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actorID,
				Name:    name,
				KeyHash: repo.HashAPIKey(plain),
				Scopes:  scopes,
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("Created key %s for %s\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "scope to grant (reports:write, config:write); repeatable, none grants all")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Scopes", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Scopes, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

func newLogger() (zerolog.Logger, func(), error) {
	return logging.New(viper.GetString("log-level"), viper.GetString("log-file"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	log, closeLog, err := newLogger()
	if err != nil {
		return err
	}
	defer closeLog()
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("config"), r)
	if err != nil {
		return err
	}
	app.ApplyAPIKey(cfg, os.Getenv)
	e := engine.New(conn, cfg, log)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printReport(rep engine.Report) {
	fmt.Printf("%s\n%s - %s, %d commits, mode %s\n", rep.Title, rep.Since, rep.Until, rep.CommitCount, rep.Mode)
	pw := table.NewWriter()
	pw.SetOutputMirror(os.Stdout)
	pw.AppendHeader(table.Row{"Project", "Commits", "Rows", "Note"})
	for _, p := range rep.Projects {
		note := ""
		switch {
		case p.Skipped:
			note = "skipped: " + p.Error
		case p.Fallback:
			note = "fallback: " + p.Error
		}
		pw.AppendRow(table.Row{p.Project, p.Commits, p.Tasks, note})
	}
	pw.Render()
	printRows(rep.Tasks, rep.Problems)
}

func printRows(tasks []domain.TaskRow, problems []domain.ProblemRow) {
	if len(tasks) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Tasks")
		tw.AppendHeader(table.Row{"#", "Task", "Detail", "Start", "End", "Progress", "Note"})
		tw.SetColumnConfigs([]table.ColumnConfig{{Number: 3, WidthMax: 60, Transformer: wrapped}})
		for _, t := range tasks {
			tw.AppendRow(table.Row{t.Seq, t.Label, t.Detail, t.StartDate, t.EndDate, t.Progress, t.Note})
		}
		tw.Render()
	}
	if len(problems) > 0 {
		pw := table.NewWriter()
		pw.SetOutputMirror(os.Stdout)
		pw.SetTitle("Problems")
		pw.AppendHeader(table.Row{"#", "Category", "Description", "Raised", "Resolution", "Resolved"})
		pw.SetColumnConfigs([]table.ColumnConfig{{Number: 3, WidthMax: 60, Transformer: wrapped}})
		for _, p := range problems {
			pw.AppendRow(table.Row{p.Seq, p.Category, p.Description, p.RaisedDate, p.Resolution, p.ResolvedDate})
		}
		pw.Render()
	}
}

func wrapped(v any) string {
	return text.WrapSoft(fmt.Sprint(v), 60)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
