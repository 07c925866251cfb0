package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/netsendo/funnel"
	"github.com/netsendo/funnel/pkg/api"
	"github.com/netsendo/funnel/pkg/metrics"
	"github.com/netsendo/funnel/pkg/worker"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and delivery workers until interrupted",
		Long: `Run ticks the engine every runner.tick_interval and starts runner.workers
goroutines that deliver queued emails, reminders, webhooks and owner
notifications. Messages and notifications are logged; plug a real provider
in by embedding the funnel package instead.

With metrics.addr set, Prometheus metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
}

func (a *app) run(ctx context.Context) error {
	log := a.logger
	obs := []api.Observer{api.NewLoggingObserver(log)}

	var srv *http.Server
	if a.cfg.Metrics.Addr != "" {
		reg := metrics.NewRegistry()
		prom, err := metrics.NewPrometheusObserver(reg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		obs = append(obs, prom)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics_server_failed", "addr", srv.Addr, "error", err)
			}
		}()
		log.Info("metrics_listening", "addr", srv.Addr)
	}

	b, err := a.openBackend(ctx, api.NewCompositeObserver(obs...))
	if err != nil {
		return err
	}
	defer b.Close()

	if a.cfg.Runner.RecoverOnStartup {
		n, err := funnel.RecoverStalledEnrollments(ctx, b.engine)
		if err != nil {
			return fmt.Errorf("recover stalled enrollments: %w", err)
		}
		log.Info("recovered_stalled_enrollments", "count", n)
	}

	w := worker.NewWithConfig(b.queue, worker.Handlers{
		Messenger: logMessenger{log: log},
		Webhooks:  worker.NewHTTPWebhookPoster(a.cfg.Runner.WebhookTimeout),
		Notifier:  logNotifier{log: log},
	}, worker.Config{
		MaxAttempts: a.cfg.Runner.MaxAttempts,
		Logger:      log,
	})

	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Runner.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				log.Error("worker_stopped", "error", err)
			}
		}()
	}

	log.Info("runner_started",
		"tick_interval", a.cfg.Runner.TickInterval,
		"workers", a.cfg.Runner.Workers,
		"database", a.cfg.Database.Driver,
		"queue", a.cfg.Queue.Backend,
	)

	ticker := time.NewTicker(a.cfg.Runner.TickInterval)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
			res, err := funnel.Tick(ctx, b.engine)
			if err != nil && ctx.Err() == nil {
				log.Warn("tick_failed", "error", err)
			}
			log.Debug("tick", "resumed", res.Resumed, "waiting", res.Waiting)
		}
	}

	wg.Wait()
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	log.Info("runner_stopped")
	return nil
}

// logMessenger stands in for an email/SMS provider.
type logMessenger struct{ log *slog.Logger }

func (m logMessenger) Send(ctx context.Context, msg api.Message) error {
	m.log.InfoContext(ctx, "message_sent",
		"subscriber_id", msg.SubscriberID,
		"funnel_id", msg.FunnelID,
		"message_id", msg.MessageID,
		"channel", msg.Channel,
		"reminder", msg.Reminder,
	)
	return nil
}

type logNotifier struct{ log *slog.Logger }

func (n logNotifier) NotifyOwner(ctx context.Context, ownerID, subject, body string) error {
	n.log.InfoContext(ctx, "owner_notified", "owner_id", ownerID, "subject", subject, "body", body)
	return nil
}
