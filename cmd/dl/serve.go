package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deliverline/internal/app"
	"deliverline/internal/logger"
	"deliverline/internal/metrics"
	"deliverline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath, jwtSecret string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Setup(cmd.ErrOrStderr(), viper.GetString("log-level"))
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			collector := metrics.NewCollector(reg)

			ws, err := openWorkspace(cmd.Context(), app.Options{Logger: log, Metrics: collector})
			if err != nil {
				return err
			}
			defer ws.Close()

			if jwtSecret == "" {
				jwtSecret = viper.GetString("jwt-secret")
			}
			if jwtSecret == "" {
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				jwtSecret = hex.EncodeToString(buf)
				log.Warn("DELIVERLINE_JWT_SECRET not set, using a random secret; tokens will not survive a restart")
			}
			cfg := ws.Config
			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret, TokenTTL: cfg.TokenTTL()},
				RateLimit: server.RateLimitConfig{
					PerSecond: cfg.Server.RateLimit.PerSecond,
					Burst:     cfg.Server.RateLimit.Burst,
				},
				Logger:   log,
				Metrics:  collector,
				Gatherer: reg,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			hooksDone := server.StartWebhooks(ctx, server.WebhookOptions{
				Store:   ws.Repo,
				Hooks:   cfg.Webhooks,
				Logger:  log,
				Metrics: collector,
			})

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Deliverline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
			err = srv.ListenAndServe()
			cancel()
			<-hooksDone
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HS256 signing secret (or DELIVERLINE_JWT_SECRET)")
	return cmd
}
