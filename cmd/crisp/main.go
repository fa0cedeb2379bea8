package main

import (
	"context"
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
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crisp/internal/audit"
	"crisp/internal/config"
	"crisp/internal/db"
	"crisp/internal/domain"
	"crisp/internal/fsops"
	"crisp/internal/gitops"
	"crisp/internal/migrate"
	"crisp/internal/orchestrator"
	"crisp/internal/platform"
	"crisp/internal/policy"
	"crisp/internal/repo"
	"crisp/internal/server"
	"crisp/internal/session"
	"crisp/internal/templates"
)

var rootCmd = &cobra.Command{
	Use:   "crisp",
	Short: "Crisp scaffolding agent",
	Long: `Crisp turns a structured project request into a delivered, CI-enabled
repository: it plans the work, waits for approval, scaffolds the project,
creates the remote repository, pushes the first commit and verifies CI.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("CRISP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "crisp.yml", "config file path")
	rootCmd.PersistentFlags().String("data-dir", ".", "data directory")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scaffoldCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(sessionsCmd())
}

type appDeps struct {
	Config   *config.Config
	Repo     repo.Repo
	Audit    audit.Writer
	Orch     *orchestrator.Orchestrator
	Registry *session.Registry
	Close    func()
}

func buildDeps(needProvider bool) (*appDeps, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{DataDir: viper.GetString("data-dir")})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var provider platform.Provider
	if needProvider {
		switch cfg.Platform {
		case domain.PlatformGitHub:
			provider = platform.NewGitHubProvider(cfg.GitHub.Token, cfg.GitHub.APIBaseURL)
		default:
			conn.Close()
			return nil, fmt.Errorf("no provider implementation for platform %q", cfg.Platform)
		}
	}

	auditLog := audit.Writer{DB: conn}
	orch := orchestrator.New(
		cfg,
		templates.Defaults(),
		policy.NewRulesEngine(cfg.Policies),
		provider,
		gitops.ExecClient{},
		fsops.LocalManager{},
		auditLog,
	)
	orch.Logger = logger

	return &appDeps{
		Config:   cfg,
		Repo:     repo.Repo{DB: conn, Logger: logger},
		Audit:    auditLog,
		Orch:     orch,
		Registry: session.NewRegistry(),
		Close:    func() { conn.Close() },
	}, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Crisp API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps(true)
			if err != nil {
				return err
			}
			defer deps.Close()

			if err := server.RestoreSessions(cmd.Context(), deps.Repo, deps.Registry); err != nil {
				return fmt.Errorf("restore sessions: %w", err)
			}
			slog.Info("sessions restored", "count", len(deps.Registry.List()))

			handler, err := server.New(server.Config{
				Orchestrator: deps.Orch,
				Registry:     deps.Registry,
				Repo:         deps.Repo,
				Audit:        deps.Audit,
				BasePath:     deps.Config.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:        deps.Config.Server.JWTSecret,
					AllowOwnerHeader: deps.Config.Server.AllowLegacyOwnerHeader,
				},
			})
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:    ":" + deps.Config.Server.Port,
				Handler: handler,
			}
			go func() {
				slog.Info("server listening", "addr", srv.Addr, "base_path", deps.Config.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("server failed", "error", err)
					os.Exit(1)
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop
			slog.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	return cmd
}

func requirementsFromFlags(cmd *cobra.Command, cfg *config.Config) domain.ProjectRequirements {
	name, _ := cmd.Flags().GetString("name")
	description, _ := cmd.Flags().GetString("description")
	language, _ := cmd.Flags().GetString("language")
	framework, _ := cmd.Flags().GetString("framework")
	visibility, _ := cmd.Flags().GetString("visibility")
	container, _ := cmd.Flags().GetBool("container")
	testing, _ := cmd.Flags().GetString("testing")
	linting, _ := cmd.Flags().GetString("linting")
	return domain.ProjectRequirements{
		ProjectName:      name,
		Description:      description,
		Language:         language,
		Framework:        framework,
		Platform:         cfg.Platform,
		Visibility:       visibility,
		IncludeContainer: container,
		TestingFramework: testing,
		Linting:          linting,
	}
}

func addRequirementFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "project name (required)")
	cmd.Flags().String("description", "", "project description")
	cmd.Flags().String("language", "", "project language (required)")
	cmd.Flags().String("framework", "", "framework")
	cmd.Flags().String("visibility", "private", "repository visibility")
	cmd.Flags().Bool("container", false, "include a Dockerfile")
	cmd.Flags().String("testing", "", "testing framework")
	cmd.Flags().String("linting", "", "linting tool")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("language")
}

func scaffoldCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scaffold",
		Short: "Plan and deliver a project non-interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps(true)
			if err != nil {
				return err
			}
			defer deps.Close()

			autoApprove, _ := cmd.Flags().GetBool("auto-approve")
			req := requirementsFromFlags(cmd, deps.Config)
			plan, res, err := deps.Orch.ScaffoldProject(cmd.Context(), req, autoApprove)
			if plan != nil {
				printSteps(plan)
			}
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Println(res.Summary)
			fmt.Println("Repository:", res.RepositoryURL)
			fmt.Println("Open in browser:", res.VSCodeWebURL)
			fmt.Println("Open in VS Code:", res.VSCodeDesktopURL)
			return nil
		},
	}
	addRequirementFlags(cmd)
	cmd.Flags().Bool("auto-approve", false, "execute without an approval gate")
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview the execution plan for a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps(false)
			if err != nil {
				return err
			}
			defer deps.Close()

			req := requirementsFromFlags(cmd, deps.Config)
			plan, err := deps.Orch.CreatePlan(cmd.Context(), "", req)
			if err != nil {
				return err
			}
			fmt.Println(plan.Summary)
			printSteps(plan)
			if len(plan.PolicyResults) > 0 {
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Policy", "Passed", "Severity", "Message"})
				for _, res := range plan.PolicyResults {
					t.AppendRow(table.Row{res.Name, res.Passed, res.Severity, res.Message})
				}
				t.Render()
			}
			return nil
		},
	}
	addRequirementFlags(cmd)
	return cmd
}

func printSteps(plan *domain.ExecutionPlan) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "Step", "Done", "Result"})
	for _, step := range plan.Steps {
		t.AppendRow(table.Row{step.Number, step.Description, step.Completed, step.Result})
	}
	t.Render()
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check platform configuration and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps(true)
			if err != nil {
				return err
			}
			defer deps.Close()

			problems := deps.Orch.ValidateConfiguration(cmd.Context())
			if len(problems) == 0 {
				fmt.Println("configuration ok")
				return nil
			}
			for _, p := range problems {
				fmt.Println("-", p)
			}
			return fmt.Errorf("%d configuration problem(s)", len(problems))
		},
	}
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps(false)
			if err != nil {
				return err
			}
			defer deps.Close()

			sessions, err := deps.Repo.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Owner", "Project", "Status", "Last activity"})
			for _, s := range sessions {
				t.AppendRow(table.Row{s.ID, s.OwnerID, s.ProjectName, s.Status, s.LastActivityAt.Format(time.RFC3339)})
			}
			t.Render()
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "audit <session-id>",
		Short: "Show a session's audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps(false)
			if err != nil {
				return err
			}
			defer deps.Close()

			entries, err := deps.Audit.ListBySession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"TS", "Operation", "Phase", "Outcome", "Detail"})
			for _, e := range entries {
				t.AppendRow(table.Row{e.TS.Format(time.RFC3339), e.Operation, e.Phase, e.Outcome, e.Detail})
			}
			t.Render()
			return nil
		},
	})
	return cmd
}
