// Package server implements the HTTP JSON surface described by spec
// §6: request routing, auth/CORS/metrics middleware, and handlers that
// wire together every domain package into the endpoint table. Grounded
// in the teacher's cmd/*-service pattern (NewXService(logger) +
// Initialize(ctx) + RegisterRoutes, cmd/ai-service/test_helpers.go)
// generalized from net/http's ServeMux to go-chi/chi/v5, and in
// test/integration/gateway/cors_test.go's chi + go-chi/cors wiring.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/allcare-health/al-backend/internal/config"
	"github.com/allcare-health/al-backend/pkg/auth"
	"github.com/allcare-health/al-backend/pkg/autopromoter"
	"github.com/allcare-health/al-backend/pkg/blur"
	"github.com/allcare-health/al-backend/pkg/casestore"
	"github.com/allcare-health/al-backend/pkg/classifier"
	"github.com/allcare-health/al-backend/pkg/cryptostore"
	"github.com/allcare-health/al-backend/pkg/eventlog"
	"github.com/allcare-health/al-backend/pkg/labelpool"
	"github.com/allcare-health/al-backend/pkg/modelregistry"
	"github.com/allcare-health/al-backend/pkg/retrainer"
	"github.com/allcare-health/al-backend/pkg/trainerbackend"
	"github.com/allcare-health/al-backend/pkg/trainingconfig"
)

// Server holds every collaborator the HTTP surface wires together.
// None of it is exported; callers interact through NewServer and
// Router.
type Server struct {
	cfg *config.Config
	log *logrus.Logger

	issuer *auth.Issuer
	users  *auth.UserStore

	cases      *casestore.Store
	labels     *labelpool.Pool
	registry   *modelregistry.Registry
	events     *eventlog.Log
	trainCfg   *trainingconfig.Store
	retrainer  *retrainer.Retrainer
	promoter   *autopromoter.AutoPromoter
	classifier classifier.Classifier
	blur       blur.Scorer
	metrics    *Metrics
	retrains   *retrainWorker
}

// Dependencies bundles every collaborator NewServer needs. Classifier
// and Blur may be nil; check-image responds 503 (unavailable) when
// either is absent, matching spec §1's treatment of them as optional
// pluggable collaborators.
type Dependencies struct {
	Config     *config.Config
	Logger     *logrus.Logger
	Issuer     *auth.Issuer
	Users      *auth.UserStore
	Cases      *casestore.Store
	Labels     *labelpool.Pool
	Registry   *modelregistry.Registry
	Events     *eventlog.Log
	TrainCfg   *trainingconfig.Store
	Retrainer  *retrainer.Retrainer
	Promoter   *autopromoter.AutoPromoter
	Classifier classifier.Classifier
	Blur       blur.Scorer
	Metrics    *Metrics
}

// NewServer builds a Server from deps, defaulting a nil Logger so
// callers (and tests) can omit it. A nil Metrics is kept as nil: the
// router then serves no /metrics endpoint and records no metrics.
func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		cfg:        deps.Config,
		log:        logger,
		issuer:     deps.Issuer,
		users:      deps.Users,
		cases:      deps.Cases,
		labels:     deps.Labels,
		registry:   deps.Registry,
		events:     deps.Events,
		trainCfg:   deps.TrainCfg,
		retrainer:  deps.Retrainer,
		promoter:   deps.Promoter,
		classifier: deps.Classifier,
		blur:       deps.Blur,
		metrics:    deps.Metrics,
		retrains:   &retrainWorker{},
	}
}

// NewServerFromConfig constructs every stateful collaborator from cfg
// (the production wiring path cmd/al-server uses) and returns a ready
// Server. classifier/blurScorer/backend are supplied by the deployment
// since they are out-of-scope opaque collaborators (spec §1).
func NewServerFromConfig(
	cfg *config.Config,
	logger *logrus.Logger,
	cryptoStore *cryptostore.Store,
	cls classifier.Classifier,
	blurScorer blur.Scorer,
	backend trainerbackend.Backend,
) *Server {
	cases := casestore.New(cfg, cryptoStore)
	labels := labelpool.New(cfg.AL.LabelsPoolFile)
	registry := modelregistry.New(cfg.AL.ModelRegistryFile, modelregistry.Paths{
		ProductionDir: cfg.AL.ProductionDir,
		ArchiveDir:    cfg.AL.ArchiveDir,
	})
	events := eventlog.New(cfg.AL.EventLogFile)
	trainCfg := trainingconfig.New(cfg.AL.ActiveConfigFile)
	rt := retrainer.New(cfg, cases, labels, registry, events, trainCfg, backend)
	promoter := autopromoter.New(registry, events)
	issuer := auth.NewIssuer(cfg.Auth.JWTSecretKey, cfg.Auth.JWTExpiration)
	users := auth.NewUserStore(cfg.Auth.UsersFile)
	metrics := NewMetrics()

	return NewServer(Dependencies{
		Config:     cfg,
		Logger:     logger,
		Issuer:     issuer,
		Users:      users,
		Cases:      cases,
		Labels:     labels,
		Registry:   registry,
		Events:     events,
		TrainCfg:   trainCfg,
		Retrainer:  rt,
		Promoter:   promoter,
		Classifier: cls,
		Blur:       blurScorer,
		Metrics:    metrics,
	})
}

// Router builds the chi.Mux exposing every endpoint in spec §6.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	if s.metrics != nil {
		r.Use(HTTPMetrics(s.metrics))
		r.Use(InFlightRequests(s.metrics))
	}
	if s.cfg != nil {
		r.Use(corsMiddleware(s.cfg.Server.AllowedOrigins))
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Use(s.authMiddleware)

		r.Post("/cases/next-id", s.handleNextCaseID)
		r.Post("/cases/release-id", s.handleReleaseCaseID)
		r.Post("/check-image", s.handleCheckImage)
		r.Get("/cases", s.handleListCases)
		r.Post("/cases", s.handleCreateCase)
		r.Put("/cases/{id}", s.handleUpdateCase)
		r.Post("/cases/uncertain", s.handleCreateUncertain)
		r.Post("/cases/reject", s.handleRejectCase)
		r.Post("/cases/{id}/label", s.handleLabelCase)
		r.Post("/cases/{id}/annotations", s.handleAnnotateCase)
		r.Post("/active-learning/candidates", s.handleCandidates)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnlyMiddleware)

			r.Get("/admin/training-config", s.handleGetTrainingConfig)
			r.Post("/admin/training-config", s.handleUpdateTrainingConfig)
			r.Get("/admin/models", s.handleListModels)
			r.Post("/admin/models/{version}/promote", s.handlePromoteModel)
			r.Post("/admin/models/{version}/rollback", s.handleRollbackModel)
			r.Post("/admin/retrain/trigger", s.handleTriggerRetrain)
			r.Get("/admin/retrain/status", s.handleRetrainStatus)
			r.Get("/admin/events", s.handleListEvents)
			r.Get("/admin/labels/count", s.handleLabelCount)
			r.Get("/admin/labels", s.handleListLabels)
		})
	})

	return r
}
