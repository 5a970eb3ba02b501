package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/meshguard/internal/alerting"
	"github.com/invisible-tech/meshguard/internal/config"
	"github.com/invisible-tech/meshguard/internal/pipeline"
	"github.com/invisible-tech/meshguard/internal/scheduler"
	"github.com/invisible-tech/meshguard/internal/server"
	"github.com/invisible-tech/meshguard/internal/version"
	"github.com/invisible-tech/meshguard/pkg/artifact"
	"github.com/invisible-tech/meshguard/pkg/classifier"
	"github.com/invisible-tech/meshguard/pkg/features"
	"github.com/invisible-tech/meshguard/pkg/loki"
	"github.com/invisible-tech/meshguard/pkg/slack"
)

func main() {
	cfg := config.DefaultDetectorConfig()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	log.WithFields(logrus.Fields{
		"version":  version.Version,
		"interval": cfg.Interval.String(),
		"window":   cfg.QueryWindow.String(),
	}).Info("Starting meshguard detector")

	arts, err := pipeline.LoadArtifacts(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to load artifacts")
	}
	log.WithFields(logrus.Fields{
		"vocabulary": arts.Vocabulary.Version(),
		"trees":      len(arts.Forest.Trees),
		"known":      arts.Filter.Len(),
	}).Info("Artifacts loaded")

	if cfg.SlackWebhookURL == "" {
		log.Warn("SLACK_WEBHOOK_URL not set, alerts will fail delivery")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := loki.NewClient(loki.Config{
		URL:      cfg.LokiURL,
		Username: cfg.LokiUsername,
		Password: cfg.LokiPassword,
		OrgID:    cfg.LokiOrgID,
		Query:    loki.FlowQuery(cfg.LokiSelector, cfg.WatchNamespaces),
		Limit:    cfg.QueryLimit,
		Timeout:  cfg.LokiTimeout,
	}, version.UserAgent(), log)
	notifier := slack.NewClient(slack.Config{
		WebhookURL: cfg.SlackWebhookURL,
		Timeout:    cfg.SlackTimeout,
	}, version.UserAgent(), log)

	p := pipeline.New(pipeline.Deps{
		Source:         source,
		Filter:         arts.Filter,
		Encoder:        features.NewEncoder(arts.Vocabulary),
		Scaler:         arts.Scaler,
		Classifier:     classifier.NewAdapter(arts.Forest),
		Dispatcher:     alerting.NewDispatcher(notifier, log),
		Log:            log,
		Window:         cfg.QueryWindow,
		MaliciousLabel: cfg.MaliciousLabel,
	})

	if cfg.WatchArtifacts {
		w, err := artifact.NewWatcher(arts.Paths, arts.Digests, log)
		if err != nil {
			log.WithError(err).Warn("Artifact watcher disabled")
		} else {
			go w.Start(ctx)
		}
	}

	sched := scheduler.New(p, cfg.Interval, log)
	go sched.Start(ctx)

	srv := server.New(cfg, arts, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Detector server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Received shutdown signal")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during server shutdown")
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during scheduler shutdown")
	}

	log.Info("Detector shutdown complete")
}
