package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// reconcileCmd is the entry point for an external scheduler such as a cron job.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one janitor pass and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := build(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		rep := a.Janitor.Reconcile(cmd.Context(), time.Now())
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
		if rep.Failures > 0 {
			return fmt.Errorf("reconcile: %d failures", rep.Failures)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Postgres.DSN == "" {
			return fmt.Errorf("migrate requires postgres.dsn or PG_DSN")
		}
		logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "migrate"})
		pg, err := storage.NewPostgresStore(cmd.Context(), cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		applied, err := pg.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("migrations applied", "files", applied)
		return nil
	},
}

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

// tokenCmd mints a bearer token with the configured secret for local use.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a signed bearer token for a caller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("token requires auth.jwt_secret or JWT_SECRET")
		}
		v := httpapi.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		tok, err := v.Issue(models.Actor{ID: tokenSubject, Role: models.Role(tokenRole)}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "caller id")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "rider", "rider, driver or system")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")
}
