package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-link/internal/account"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/chat"
	chatrepo "github.com/ovaphlow/pitchfork/service-identity-link/internal/chat/repo"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/conversation"
	staterepo "github.com/ovaphlow/pitchfork/service-identity-link/internal/conversation/repo"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/link"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/router"
	"github.com/ovaphlow/pitchfork/service-identity-link/internal/verification"
	"github.com/ovaphlow/pitchfork/service-identity-link/pkg/database"
)

func newServeCommand(a *app) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat webhook HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(a, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

func serve(a *app, migrate bool) error {
	sugar := a.sugar
	sugar.Info("starting identity-link")

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if migrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
	}

	chatCfg := chat.ConfigFromEnv()
	srv := &http.Server{
		Addr:              chatCfg.ListenAddr,
		Handler:           buildHandler(db, chatCfg, sugar),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// run server in background
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	sugar.Infow("service is running; press Ctrl+C to stop", "addr", chatCfg.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		sugar.Errorw("http server failed", "err", err)
		return err
	}

	sugar.Info("shutting down")

	// give a short grace period for cleanup
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
	return nil
}

// buildHandler wires the engine's services onto the HTTP router.
func buildHandler(db *sqlx.DB, chatCfg chat.Config, sugar *zap.SugaredLogger) http.Handler {
	linkCfg := link.ConfigFromEnv()

	var store conversation.Store
	if linkCfg.StateBackend == "memory" {
		store = conversation.NewMemoryStore(linkCfg.StateTTL)
	} else {
		store = staterepo.NewStateRepo(db, linkCfg.StateTTL)
	}

	var channel verification.Channel
	if smtpCfg := verification.SMTPConfigFromEnv(); smtpCfg.Host != "" {
		channel = verification.NewSMTPChannel(smtpCfg)
	} else {
		sugar.Warn("SMTP_HOST is not set; verification codes are written to the log")
		channel = verification.NewLogChannel(sugar)
	}

	var gateway chat.Gateway
	if chatCfg.GatewayURL != "" {
		gateway = chat.NewHTTPGateway(chatCfg.GatewayURL, chatCfg.WebhookSecret, chatCfg.GatewayTimeout)
	} else {
		gateway = chat.NewLogGateway(sugar)
	}

	accounts := account.NewResolver(db, nil, nil, sugar, linkCfg.PlaceholderDomain)
	challenges := verification.NewService(db, channel, verification.ConfigFromEnv(), sugar)
	coord := link.NewCoordinator(accounts, challenges, store, verification.NewPrinter(linkCfg.Language), sugar)
	// Features gated on a verified email register their pending-action kinds
	// here with coord.RegisterAction and call coord.RequireVerified.
	events := chat.NewHandler(coord, chatrepo.NewEventRepo(db), gateway, sugar)

	sugar.Infow("engine wired", "state_backend", linkCfg.StateBackend, "language", linkCfg.Language)
	return router.RegisterRoutes(sugar, db, events, chatCfg.WebhookSecret)
}
