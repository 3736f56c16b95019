package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/brickprice/internal/aggregation"
	"github.com/MarcoPoloResearchLab/brickprice/internal/auth"
	"github.com/MarcoPoloResearchLab/brickprice/internal/config"
	"github.com/MarcoPoloResearchLab/brickprice/internal/enrichment"
	"github.com/MarcoPoloResearchLab/brickprice/internal/pricing"
	"github.com/MarcoPoloResearchLab/brickprice/internal/server"
	"github.com/MarcoPoloResearchLab/brickprice/internal/snapshot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(true)
			if err != nil {
				return err
			}
			defer app.Close()

			httpServer, err := newHTTPServer(app)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serveHTTP(ctx, httpServer, app.logger)
		},
	}
}

func newEnrichCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enrich",
		Short: "Run one vote enrichment pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(false)
			if err != nil {
				return err
			}
			defer app.Close()

			worker, err := app.enrichmentWorker()
			if err != nil {
				return err
			}
			_, err = worker.RunPass(cmd.Context())
			return err
		},
	}
}

func newAggregateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Run one price aggregation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(false)
			if err != nil {
				return err
			}
			defer app.Close()

			worker, err := app.aggregationWorker()
			if err != nil {
				return err
			}
			_, err = worker.RunPass(cmd.Context())
			return err
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the HTTP API and run both workers on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(true)
			if err != nil {
				return err
			}
			defer app.Close()

			httpServer, err := newHTTPServer(app)
			if err != nil {
				return err
			}
			enricher, err := app.enrichmentWorker()
			if err != nil {
				return err
			}
			aggregator, err := app.aggregationWorker()
			if err != nil {
				return err
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			group, ctx := errgroup.WithContext(signalCtx)
			group.Go(func() error {
				return serveHTTP(ctx, httpServer, app.logger)
			})
			group.Go(func() error {
				return runWorkers(ctx, app.cfg.WorkerInterval, enricher, aggregator, app.logger)
			})
			return group.Wait()
		},
	}
}

func newSnapshotCommand() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record the daily close of every brick",
		RunE: func(cmd *cobra.Command, args []string) error {
			var day time.Time
			if date != "" {
				parsed, err := snapshot.ParseDay(date)
				if err != nil {
					return err
				}
				day = parsed
			}

			app, err := openApplication(false)
			if err != nil {
				return err
			}
			defer app.Close()

			job, err := snapshot.NewJob(snapshot.JobConfig{
				Store:  app.store,
				Clock:  time.Now,
				Logger: app.logger,
			})
			if err != nil {
				return err
			}
			_, err = job.Run(cmd.Context(), day)
			return err
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC day to snapshot (YYYY-MM-DD); defaults to today")
	return cmd
}

func newReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <brick_id>",
		Short: "Rebuild a brick's state from its events and compare it with the stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(false)
			if err != nil {
				return err
			}
			defer app.Close()

			worker, err := app.aggregationWorker()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			brickID := args[0]
			rebuilt, err := worker.Replay(ctx, brickID, pricing.NewRandomSource())
			if err != nil {
				return err
			}
			stored, err := app.store.BrickState(ctx, brickID)
			if err != nil {
				return err
			}
			matches := rebuilt.LivePrice.Equal(stored.LivePrice) &&
				rebuilt.CurrentCycleID == stored.CurrentCycleID &&
				rebuilt.LastEventID == stored.LastEventID
			app.logger.Info("brick replayed",
				zap.String("brick_id", brickID),
				zap.String("replayed_price", rebuilt.LivePrice.String()),
				zap.String("stored_price", stored.LivePrice.String()),
				zap.Uint64("replayed_last_event_id", rebuilt.LastEventID),
				zap.Uint64("stored_last_event_id", stored.LastEventID),
				zap.Bool("matches", matches),
			)
			if !matches {
				return fmt.Errorf("replayed state of %s diverges from stored state", brickID)
			}
			return nil
		},
	}
}

func newResetCursorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-cursors",
		Short: "Rewind both worker cursors to the start",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.store.ResetCursors(cmd.Context(), time.Now().UTC()); err != nil {
				return err
			}
			app.logger.Info("worker cursors reset")
			return nil
		},
	}
}

func newResetCreditsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-credits",
		Short: "Restore every vote credit row to the configured maximum",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(false)
			if err != nil {
				return err
			}
			defer app.Close()

			updated, err := app.store.ResetCredits(cmd.Context(), app.cfg.Pricing.VoteCreditsMax)
			if err != nil {
				return err
			}
			app.logger.Info("vote credits reset", zap.Int64("rows", updated), zap.Int("credits", app.cfg.Pricing.VoteCreditsMax))
			return nil
		},
	}
}

func newIssueTokenCommand() *cobra.Command {
	var (
		email    string
		verified bool
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token <voter_id>",
		Short: "Mint a session token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, _, err := issuer.Issue(auth.SessionGrant{
				Subject:       args[0],
				Email:         email,
				EmailVerified: verified,
			})
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().BoolVar(&verified, "verified", false, "Mark the email as verified")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func newHTTPServer(app *application) (*http.Server, error) {
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(app.cfg.SessionSigningSecret),
		Issuer:        app.cfg.SessionIssuer,
	})
	if err != nil {
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:              app.store,
		Accounts:           app.accounts,
		Validator:          validator,
		Pricing:            app.cfg.Pricing,
		Metrics:            app.metrics,
		Gatherer:           app.registry,
		Logger:             app.logger,
		Clock:              time.Now,
		RateLimitPerMinute: app.cfg.RateLimitPerMinute,
		AllowedOrigins:     app.cfg.AllowedOrigins,
	})
	if err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:              app.cfg.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func serveHTTP(ctx context.Context, httpServer *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", httpServer.Addr))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorkers runs enrichment then aggregation immediately and on every tick until ctx ends.
// A failed pass is logged and retried on the next tick.
func runWorkers(ctx context.Context, interval time.Duration, enricher *enrichment.Worker, aggregator *aggregation.Worker, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := enricher.RunPass(ctx); err != nil && ctx.Err() == nil {
			logger.Error("enrichment pass failed", zap.Error(err))
		}
		if _, err := aggregator.RunPass(ctx); err != nil && ctx.Err() == nil {
			logger.Error("aggregation pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
