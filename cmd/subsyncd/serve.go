package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/internal/server"
	"github.com/mihaimyh/subsync/middleware/session"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/controlplane"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the webhook and subscription endpoints and run the sweep scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		if err := cfg.ServeRequirements(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.serve(ctx)
	},
}

func (a *app) router() (http.Handler, error) {
	svc, err := controlplane.New(controlplane.Config{
		Client:        a.client,
		Users:         a.store,
		Subscriptions: a.store,
		Captains:      a.store,
		PriceID:       a.cfg.StripePriceID,
		PlanType:      a.cfg.PlanType,
		TrialDays:     a.cfg.TrialDays,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, err
	}

	sessions, err := session.New(session.Config{
		Secret: []byte(a.cfg.SessionSecret),
		Secure: a.cfg.SessionCookieSecure,
		Logger: a.logger,
	})
	if err != nil {
		return nil, err
	}

	apiHandler, err := api.NewHandler(api.Config{
		Service:   svc,
		GetUserID: session.UserID,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}

	webhook := stripe.NewWebhookHandler(stripe.WebhookConfig{
		Secret:        a.cfg.StripeWebhookSecret,
		Client:        a.client,
		Users:         a.store,
		Subscriptions: a.store,
		Inbox:         a.inbox,
		PlanType:      a.cfg.PlanType,
		OnPaymentFailed: func(_ context.Context, f billing.PaymentFailure) {
			a.logger.Warn("captain payment failed",
				subsync.Field{Key: "user_id", Value: f.UserID},
				subsync.Field{Key: "subscription_id", Value: f.SubscriptionID},
				subsync.Field{Key: "attempt_count", Value: f.AttemptCount},
			)
		},
		Logger:  a.logger,
		Metrics: a.metrics,
	})

	return server.NewRouter(server.Config{
		Webhook:  webhook.Handler(),
		API:      apiHandler,
		Session:  sessions.Middleware,
		Gatherer: a.registry,
		Health:   a.health,
		Logger:   a.logger,

		TrustProxyHeaders: a.cfg.TrustProxyHeaders,
	})
}

func (a *app) serve(ctx context.Context) error {
	handler, err := a.router()
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	scheduler := a.scheduler()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.New(a.cfg.HTTPAddr, handler, a.logger).Run(ctx)
	})
	g.Go(func() error {
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		scheduler.Stop()
		return nil
	})

	return g.Wait()
}
