package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"airledger/internal/config"
	"airledger/internal/db"
	"airledger/internal/httpapi"
	"airledger/internal/migrate"
	"airledger/internal/modules/airquality"
	"airledger/internal/modules/airquality/archive"
	"airledger/internal/modules/airquality/controller"
	"airledger/internal/modules/airquality/generator"
	"airledger/internal/modules/airquality/ledger"
	"airledger/internal/modules/airquality/service"
	"airledger/internal/modules/airquality/views"
	"airledger/internal/mqtt"
)

func Run(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"ledgerBackend", cfg.LedgerBackend,
		"ledgerRPCURL", cfg.LedgerRPCURL,
		"sqlitePath", cfg.SQLitePath,
		"archiveEnabled", cfg.ArchiveToken != "",
		"generatorEnabled", cfg.GeneratorEnabled,
		"generationInterval", cfg.GenerationInterval,
		"lastN", cfg.LastN,
		"mqttEnabled", cfg.MQTTEnabled,
	)

	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()

	applied, err := migrate.Run(dbConn)
	if err != nil {
		return err
	}
	logger.Info("database ready", "migrations_applied", applied)

	store, closeLedger, err := OpenLedger(ctx, cfg, dbConn, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	client := ledger.NewClient(store, ledger.Options{
		CallTimeout:    cfg.LedgerCallTimeout,
		ConfirmTimeout: cfg.LedgerConfirmTimeout,
		Logger:         logger,
	})
	if count, err := client.Count(ctx); err != nil {
		logger.Warn("ledger not reachable yet", "error", err)
	} else {
		logger.Info("ledger reachable", "readings", count)
	}

	if err := views.LoadTemplates(); err != nil {
		return err
	}

	var mirror service.Mirror
	if cfg.ArchiveToken != "" {
		mirror = archive.NewPinataMirror(archive.Config{
			URL:     cfg.ArchiveURL,
			Token:   cfg.ArchiveToken,
			Timeout: cfg.ArchiveTimeout,
			Retries: cfg.ArchiveRetries,
			Logger:  logger,
		})
	} else {
		logger.Warn("ARCHIVE_API_TOKEN not set, archive mirroring disabled")
	}

	// The handler must be attached before Connect: the broker may deliver
	// queued messages right after CONNACK.
	var (
		subscriber *mqtt.Subscriber
		mqttAttach mqtt.MQTTSubscriber
		mqttStatus httpapi.MQTTStatus
	)
	if cfg.MQTTEnabled {
		if subscriber, err = mqtt.NewSubscriber(cfg, logger); err != nil {
			return err
		}
		mqttAttach = subscriber
		mqttStatus = subscriber
	}

	mux := httpapi.NewMux(dbConn, client, mqttStatus, logger)
	recorder := airquality.RegisterFeature(mux, airquality.Deps{
		DB:     dbConn,
		Ledger: client,
		Mirror: mirror,
		Settings: controller.Settings{
			LastN:              cfg.LastN,
			PollInterval:       cfg.DashboardPollInterval,
			GenerationInterval: cfg.GenerationInterval,
			LedgerBackend:      cfg.LedgerBackend,
		},
		Logger: logger,
	}, mqttAttach)

	if subscriber != nil {
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err := subscriber.Connect(connectCtx)
		connectCancel()
		if err != nil {
			// paho keeps retrying in the background.
			logger.Warn("mqtt connection failed (continuing)", "error", err)
		}
	}

	srv := httpapi.NewServer(cfg, mux, logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.GeneratorEnabled {
		g.Go(func() error {
			return generator.Run(gctx, cfg.GenerationInterval, generator.New(), recorder, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		if subscriber != nil {
			logger.Info("mqtt disconnecting")
			subscriber.Disconnect()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("http shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
