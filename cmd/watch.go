package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/notify"
)

var watchPort int

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reshape bronze objects as their notifications arrive",
	Long:  "Consumes bronze-created events one at a time and reshapes each object. Permanent failures are dead-lettered; transient ones are requeued once. Serves /health, /metrics and /status while running.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("watch"); err != nil {
			return err
		}

		env, err := initReshape(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		consumer, err := notify.DialConsumer(cfg.Queue.URL, notify.QueueOptions{
			Name:               cfg.Queue.Name,
			DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		})
		if err != nil {
			return err
		}
		defer consumer.Close() //nolint:errcheck

		port := watchPort
		if port == 0 {
			port = cfg.Metrics.Port
		}

		var status statusFunc
		if env.Warehouse != nil {
			status = func(ctx context.Context) (*statusReport, error) {
				return buildStatus(ctx, env.Store, env.Warehouse, 20, 24)
			}
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(status),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			defer stop()
			return consumer.Run(gctx, func(ctx context.Context, ref model.RawObjectRef) error {
				_, err := env.Reshaper.Process(ctx, ref)
				return err
			})
		})

		g.Go(func() error {
			zap.L().Info("starting metrics server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	watchCmd.Flags().IntVar(&watchPort, "port", 0, "metrics/health port (default from config)")
	rootCmd.AddCommand(watchCmd)
}

type statusFunc func(ctx context.Context) (*statusReport, error)

// newRouter serves health, Prometheus metrics and, when status is non-nil, a
// read-only JSON status report.
func newRouter(status statusFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		if status == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no warehouse configured"})
			return
		}
		report, err := status(req.Context())
		if err != nil {
			zap.L().Error("status request failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
