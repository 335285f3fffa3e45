package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lingokit/lingokit/internal/batch"
	"github.com/lingokit/lingokit/internal/breaker"
	"github.com/lingokit/lingokit/internal/cache"
	"github.com/lingokit/lingokit/internal/client"
	"github.com/lingokit/lingokit/internal/config"
	"github.com/lingokit/lingokit/internal/health"
	"github.com/lingokit/lingokit/internal/logging"
	"github.com/lingokit/lingokit/internal/metrics"
	"github.com/lingokit/lingokit/internal/observability"
	"github.com/lingokit/lingokit/internal/store"
	"github.com/lingokit/lingokit/internal/token"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the resilience daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
			if cfg.Daemon.CallLog != "" {
				if err := logging.Calls().SetOutput(cfg.Daemon.CallLog); err != nil {
					return fmt.Errorf("open call log: %w", err)
				}
			}

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Enabled,
				Exporter:    cfg.Observability.Exporter,
				Endpoint:    cfg.Observability.Endpoint,
				ServiceName: "lingokit",
				SampleRate:  1.0,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			metrics.InitPrometheus("lingokit", nil)

			monitor := health.NewMonitor(cfg.Health.CheckInterval)
			defer monitor.Close()

			// Response cache: memory L1 always, Redis L2 when reachable.
			// The store choice settles before any L1 is constructed so no
			// abandoned evict loop outlives this block.
			var responses cache.Store
			redisStore := cache.NewRedisStore(cache.RedisConfig{
				Addr:      cfg.Redis.Addr,
				Password:  cfg.Redis.Password,
				DB:        cfg.Redis.DB,
				KeyPrefix: cfg.Redis.KeyPrefix,
			})
			if err := redisStore.Ping(ctx); err != nil {
				logging.Op().Warn("redis unreachable, using in-memory response cache only",
					"addr", cfg.Redis.Addr, "error", err)
				redisStore.Close()
				responses = cache.NewMemoryStore()
			} else {
				responses = cache.NewTieredStore(cache.NewMemoryStore(), redisStore, 10*time.Second)
				monitor.RegisterCheck("redis", func(ctx context.Context) (health.CheckResult, error) {
					if err := redisStore.Ping(ctx); err != nil {
						return health.CheckResult{}, err
					}
					return health.CheckResult{Status: health.StatusHealthy}, nil
				})
			}
			defer responses.Close()

			registry := breaker.NewRegistry()
			breakerCfg := breaker.Config{
				FailureThreshold: cfg.Breaker.FailureThreshold,
				Timeout:          cfg.Breaker.Timeout,
				MonitoringPeriod: cfg.Breaker.MonitoringPeriod,
				SuccessThreshold: cfg.Breaker.SuccessThreshold,
			}

			monitor.RegisterCheck("circuit-breakers", func(ctx context.Context) (health.CheckResult, error) {
				snap := registry.Snapshot()
				open := 0
				for _, m := range snap {
					if m.State == breaker.StateOpen.String() {
						open++
					}
				}
				result := health.CheckResult{
					Status:   health.StatusHealthy,
					Metadata: map[string]any{"breakers": len(snap), "open": open},
				}
				if open > 0 {
					result.Status = health.StatusDegraded
					result.Message = fmt.Sprintf("%d breaker(s) open", open)
				}
				return result, nil
			})

			// Batch write sink. Without a DSN the daemon runs cache-only.
			var (
				pg      *store.Postgres
				batcher *batch.Batcher
			)
			if cfg.Postgres.DSN != "" {
				var err error
				pg, err = store.NewPostgres(ctx, cfg.Postgres.DSN)
				if err != nil {
					return err
				}
				defer pg.Close()

				batcher = batch.New(batch.Config{
					MaxSize:  cfg.Batch.MaxSize,
					MaxDelay: cfg.Batch.MaxDelay,
				}, pg)

				monitor.RegisterCheck("postgres", func(ctx context.Context) (health.CheckResult, error) {
					if err := pg.Ping(ctx); err != nil {
						return health.CheckResult{}, err
					}
					return health.CheckResult{Status: health.StatusHealthy}, nil
				})
			} else {
				logging.Op().Warn("no postgres DSN configured, request batching disabled")
			}

			// Token manager, when an issuer is configured.
			var tokens *token.Manager
			if cfg.Token.Endpoint != "" && cfg.Token.SharedSecret != "" {
				issuerClient := client.New(client.Config{
					Dependency:         "token-issuer",
					MaxRetries:         cfg.Client.MaxRetries,
					BaseDelay:          cfg.Client.BaseDelay,
					MaxDelay:           cfg.Client.MaxDelay,
					ExponentialBackoff: cfg.Client.ExponentialBackoff,
					Timeout:            cfg.Client.Timeout,
					CacheTTL:           cfg.Client.CacheTTL,
					Breaker:            breakerCfg,
				}, registry, responses)
				issuerClient.SetRecorder(monitor)

				var err error
				tokens, err = token.NewManager(token.Config{
					Endpoint:         cfg.Token.Endpoint,
					SharedSecret:     cfg.Token.SharedSecret,
					RefreshThreshold: cfg.Token.RefreshThreshold,
				}, issuerClient)
				if err != nil {
					return fmt.Errorf("init token manager: %w", err)
				}

				monitor.RegisterCheck("tokens", func(ctx context.Context) (health.CheckResult, error) {
					stats := tokens.GetStats()
					result := health.CheckResult{
						Status: health.StatusHealthy,
						Metadata: map[string]any{
							"total":         stats.Total,
							"valid":         stats.Valid,
							"expired":       stats.Expired,
							"needs_refresh": stats.NeedsRefresh,
						},
					}
					if stats.Total > 0 && stats.Valid == 0 {
						result.Status = health.StatusDegraded
						result.Message = "no valid tokens cached"
					}
					return result, nil
				})
			}

			monitor.AddAlertRule(health.AlertRule{
				Condition: "error_rate_high",
				Severity:  "critical",
				Message:   "lifetime error rate above 25%",
				Cooldown:  5 * time.Minute,
				Predicate: func(m health.Metrics, _ []health.CheckRecord) bool {
					return m.RequestCounts.Total >= 20 && m.ErrorRate > 0.25
				},
			})
			monitor.AddAlertRule(health.AlertRule{
				Condition: "dependency_unhealthy",
				Severity:  "warning",
				Message:   "one or more dependency checks unhealthy",
				Cooldown:  time.Minute,
				Predicate: func(_ health.Metrics, checks []health.CheckRecord) bool {
					for _, c := range checks {
						if c.Status == health.StatusUnhealthy {
							return true
						}
					}
					return false
				},
			})

			// Periodic housekeeping: expired token sweep.
			housekeepCtx, stopHousekeep := context.WithCancel(ctx)
			defer stopHousekeep()
			if tokens != nil {
				go func() {
					ticker := time.NewTicker(time.Minute)
					defer ticker.Stop()
					for {
						select {
						case <-housekeepCtx.Done():
							return
						case <-ticker.C:
							if n := tokens.CleanupExpiredTokens(); n > 0 {
								logging.Op().Debug("swept expired tokens", "removed", n)
							}
						}
					}
				}()
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.PrometheusHandler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				report := monitor.GetHealthReport()
				w.Header().Set("Content-Type", "application/json")
				if report.OverallStatus == health.StatusUnhealthy {
					w.WriteHeader(http.StatusServiceUnavailable)
				}
				json.NewEncoder(w).Encode(report)
			})
			snapshots := cache.NewTTLCache[[]byte](16, time.Minute)
			defer snapshots.Close()
			mux.HandleFunc("/stats", newStatsHandler(snapshots, 2*time.Second, func() map[string]any {
				stats := map[string]any{
					"breakers": registry.Snapshot(),
				}
				if batcher != nil {
					stats["batches"] = batcher.GetStats()
				}
				if tokens != nil {
					stats["tokens"] = tokens.GetStats()
				}
				return stats
			}))

			server := &http.Server{
				Addr:    cfg.Daemon.HTTPAddr,
				Handler: observability.HTTPMiddleware(mux),
			}
			go func() {
				logging.Op().Info("daemon listening", "addr", cfg.Daemon.HTTPAddr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("http server failed", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
			if batcher != nil {
				batcher.Close(shutdownCtx)
			}
			logging.Calls().Close()
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	return cmd
}
