package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deliverline/internal/app"
	"deliverline/internal/db"
	"deliverline/internal/engine"
	"deliverline/internal/logger"
	"deliverline/internal/metrics"
	"deliverline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Deliverline CLI",
	Long: `Deliverline tracks deliverables across departments.
Core concepts:
- Workspace: a directory holding .deliverline/deliverline.db and an optional deliverline.yml.
- Deliverable: a named piece of work owned by a department, with a deadline, priority and status (to_do, in_progress, done).
- Attention: unfinished deliverables that are overdue, urgent or due within three days.
- Roles: direction and technical direction see everything; everyone else works within their own department.
- Scan: turn the text of a document into a deliverable draft (department, deadline and priority detected from keywords).
- Actor: every command runs as a user, chosen with --as (user id or email).
- Event log: every change is recorded, view with 'dl log tail'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DELIVERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "acting user (id or email)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(deliverableCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(overdueCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(departmentsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(bootstrapCmd())
	rootCmd.AddCommand(serveCmd())
}

func openWorkspace(ctx context.Context, opts app.Options) (*app.Workspace, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Setup(os.Stderr, viper.GetString("log-level"))
	}
	return app.Open(ctx, viper.GetString("workspace"), opts)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := openWorkspace(ctx, app.Options{Metrics: metrics.Nop{}})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

// withActor is withEngine plus the resolved --as user id.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		actorID, err := resolveActor(ctx, e.Store, viper.GetString("as"))
		if err != nil {
			return err
		}
		return fn(ctx, e, actorID)
	})
}

func resolveActor(ctx context.Context, s store.Store, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("--as required (user id or email)")
	}
	if !strings.Contains(raw, "@") {
		return raw, nil
	}
	u, err := s.GetUserByEmail(ctx, strings.ToLower(raw))
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("no user with email %s", raw)
	}
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// parseDeadline accepts RFC3339, a plain date (midnight UTC) or a relative
// offset such as 7d or 36h from now.
func parseDeadline(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("deadline required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	if n, ok := strings.CutSuffix(raw, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid deadline %q", raw)
		}
		return now.AddDate(0, 0, days), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(d), nil
	}
	return time.Time{}, fmt.Errorf("invalid deadline %q (use 2006-01-02, RFC3339 or an offset like 7d)", raw)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
