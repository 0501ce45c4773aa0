package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ctrlplane/internal/actuator"
	"ctrlplane/internal/audit"
	"ctrlplane/internal/config"
	"ctrlplane/internal/db"
	"ctrlplane/internal/domain"
	"ctrlplane/internal/metrics"
	"ctrlplane/internal/migrate"
	"ctrlplane/internal/pipeline"
	"ctrlplane/internal/router"
	"ctrlplane/internal/server"
	"ctrlplane/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "ctrlplane",
	Short: "Ctrlplane control-plane pipeline",
	Long: `Ctrlplane accepts externally-sourced events, decides how each should be
handled, and safely executes the decision exactly once per idempotency key.
The pipeline is admit -> route -> act, with every transition written to an
append-only audit log. Duplicate submissions of a key reuse the stored event
but are re-routed and re-acted.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CTRLPLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(configCmd())
}

// env bundles everything a command needs to run the pipeline locally.
type env struct {
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Audit    audit.Writer
	close    []func() error
}

func (e *env) Close() {
	for _, fn := range e.close {
		_ = fn()
	}
}

func buildEnv(ctx context.Context) (*env, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg.Actuator.ArtifactDir == "" {
		cfg.Actuator.ArtifactDir = filepath.Join(workspace, ".ctrlplane", "artifacts")
	}

	e := &env{Config: cfg, Audit: audit.Writer{DB: conn}}
	e.close = append(e.close, conn.Close)

	st, err := openStore(ctx, cfg, conn, e)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Pipeline = pipeline.New(st, router.New(cfg.Routing), actuator.New(cfg.Actuator), e.Audit)
	return e, nil
}

func openStore(ctx context.Context, cfg *config.Config, conn *sql.DB, e *env) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "sqlite":
		return store.SQLite{DB: conn}, nil
	case "memory":
		return store.NewMemory(), nil
	case "redis":
		rs, err := store.NewRedis(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		e.close = append(e.close, rs.Close)
		return rs, nil
	case "postgres":
		ps, err := store.NewPostgres(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, err
		}
		e.close = append(e.close, ps.Close)
		return ps, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			e.Pipeline.Metrics = metrics.New()

			handler, err := server.New(server.Config{Pipeline: e.Pipeline, Audit: e.Audit, BasePath: basePath})
			if err != nil {
				return err
			}
			server.StartForwarder(e.Audit, e.Config.Sinks)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Ctrlplane API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func ingestCmd() *cobra.Command {
	var eventType, source, actor, payloadJSON, metadataJSON, key string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one event through the pipeline locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseJSONMap(payloadJSON)
			if err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
			metadata, err := parseJSONMap(metadataJSON)
			if err != nil {
				return fmt.Errorf("invalid --metadata: %w", err)
			}
			e, err := buildEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			event, decision, err := e.Pipeline.Process(cmd.Context(), domain.IngestRequest{
				EventType: eventType,
				Source:    source,
				Actor:     actor,
				Payload:   payload,
				Metadata:  metadata,
			}, key)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"event": event, "decision": decision})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "support_request", "event type")
	cmd.Flags().StringVar(&source, "source", "cli", "event source")
	cmd.Flags().StringVar(&actor, "actor", "", "originating actor")
	cmd.Flags().StringVar(&payloadJSON, "payload", "{}", "payload JSON object")
	cmd.Flags().StringVar(&metadataJSON, "metadata", "{}", "metadata JSON object")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (required)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the audit trail"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var limit int
	var eventName string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			records, err := e.Audit.Recent(cmd.Context(), limit, eventName, 0)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(records)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "TS", "Event", "Fields"})
			for _, rec := range records {
				fields, _ := json.Marshal(rec.Fields)
				tw.AppendRow(table.Row{rec.ID, rec.TS, rec.EventName, string(fields)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	cmd.Flags().StringVar(&eventName, "event", "", "filter by event name")
	return cmd
}

func routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Show the effective routing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Routing)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Event Type", "Route", "Risk"})
			for eventType, rule := range cfg.Routing.Rules {
				tw.AppendRow(table.Row{eventType, rule.Route, rule.Risk})
			}
			tw.AppendRow(table.Row{"(default)", cfg.Routing.Default.Route, cfg.Routing.Default.Risk})
			tw.Render()
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default ctrlplane.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func parseJSONMap(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
