// Command al-server runs the active-learning control plane's HTTP
// API: case/label ledger, model registry, retraining orchestrator,
// and the auto-promoter, behind the endpoint table in spec §6.
// Grounded in the teacher's cmd/*-service entrypoint shape (load
// config, construct collaborators, serve) generalized from a
// Kubernetes-operator controller-manager to a single net/http
// listener.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allcare-health/al-backend/internal/config"
	"github.com/allcare-health/al-backend/pkg/blur"
	"github.com/allcare-health/al-backend/pkg/classifier"
	"github.com/allcare-health/al-backend/pkg/cryptostore"
	"github.com/allcare-health/al-backend/pkg/server"
	"github.com/allcare-health/al-backend/pkg/trainerbackend"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file overlaid on environment variables")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	crypto, err := cryptostore.New(cfg.Encryption.Enabled, cfg.Encryption.Key)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize encrypted storage")
	}

	cls, blurScorer, backend := loadPluggableCollaborators(logger)

	srv := server.NewServerFromConfig(cfg, logger, crypto, cls, blurScorer, backend)

	httpServer := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithField("addr", httpServer.Addr).Info("starting al-server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server exited unexpectedly")
		}
	case sig := <-stop:
		logger.WithField("signal", sig.String()).Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("graceful shutdown failed")
		}
	}
}

// loadPluggableCollaborators resolves the Classifier, BlurScorer, and
// TrainerBackend this deployment wires in. They are opaque
// collaborators outside this module's scope (spec §1): a deployment
// without one configured gets a logged warning and a nil value, which
// the HTTP surface degrades gracefully around (POST /check-image
// returns 503 unavailable when Classifier or BlurScorer is nil;
// POST /admin/retrain/trigger fails the run rather than the process
// when TrainerBackend is nil).
func loadPluggableCollaborators(logger *logrus.Logger) (classifier.Classifier, blur.Scorer, trainerbackend.Backend) {
	logger.Warn("no classifier configured; /check-image will respond 503 until one is wired")
	logger.Warn("no blur scorer configured; /check-image will respond 503 until one is wired")
	logger.Warn("no trainer backend configured; retrain runs will fail until one is wired")
	return nil, nil, nil
}
