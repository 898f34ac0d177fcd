package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/compositor-backend/api/controllers"
	"github.com/angelmondragon/compositor-backend/api/middleware"
	"github.com/angelmondragon/compositor-backend/internal/assets"
	"github.com/angelmondragon/compositor-backend/internal/compositions"
	"github.com/angelmondragon/compositor-backend/internal/outputs"
	"github.com/angelmondragon/compositor-backend/internal/templates"
	"github.com/angelmondragon/compositor-backend/pkg/config"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
	"github.com/angelmondragon/compositor-backend/pkg/metrics"
)

// Services bundles the domain services the admin API exposes.
type Services struct {
	Assets       assets.Service
	Templates    templates.Service
	Compositions compositions.Service
	Outputs      outputs.Service
	Render       controllers.RenderRequester
}

// Observability carries the readiness probes and the metrics registry
// served at /metrics. A nil Gatherer disables the endpoint.
type Observability struct {
	Readiness map[string]controllers.Pinger
	Gatherer  prometheus.Gatherer
	HTTP      *metrics.HTTP
}

func NewRouter(cfg *config.Config, logg *logger.Logger, svcs Services, obs Observability) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, obs.HTTP),
	)
	if len(cfg.App.CORSOrigins) > 0 {
		r.Use(middleware.CORS(cfg.App.CORSOrigins))
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, obs.Readiness))
	})
	if obs.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(obs.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Actor(logg))
		r.Get("/ping", controllers.Ping())

		r.Route("/assets", func(r chi.Router) {
			r.Post("/", controllers.AssetIntake(svcs.Assets, logg))
			r.Get("/resolve", controllers.AssetResolve(svcs.Assets, logg))
			r.Get("/eligible", controllers.AssetEligible(svcs.Assets, logg))
			r.Route("/{assetId}", func(r chi.Router) {
				r.Get("/", controllers.AssetGet(svcs.Assets, logg))
				r.Delete("/", controllers.AssetDelete(svcs.Assets, logg))
				r.Post("/approve", controllers.AssetApprove(svcs.Assets, logg))
				r.Post("/reject", controllers.AssetReject(svcs.Assets, logg))
				r.Post("/restore", controllers.AssetRestore(svcs.Assets, logg))
				r.Post("/processed", controllers.AssetProcessed(svcs.Assets, logg))
			})
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", controllers.TemplateList(svcs.Templates, logg))
			r.Post("/", controllers.TemplateCreate(svcs.Templates, logg))
			r.Get("/{templateId}", controllers.TemplateGet(svcs.Templates, logg))
			r.Put("/{templateId}", controllers.TemplateUpdate(svcs.Templates, logg))
		})

		r.Route("/episodes/{episodeId}", func(r chi.Router) {
			r.Get("/compositions", controllers.EpisodeCompositions(svcs.Compositions, logg))
			r.Get("/primary", controllers.EpisodePrimary(svcs.Compositions, logg))
		})

		r.Route("/compositions", func(r chi.Router) {
			r.Post("/", controllers.CompositionCreate(svcs.Compositions, logg))
			r.Route("/{compositionId}", func(r chi.Router) {
				r.Get("/", controllers.CompositionGet(svcs.Compositions, logg))
				r.Delete("/", controllers.CompositionDelete(svcs.Compositions, logg))
				r.Post("/restore", controllers.CompositionRestore(svcs.Compositions, logg))
				r.Put("/roles/{roleKey}", controllers.CompositionAssignRole(svcs.Compositions, logg))
				r.Put("/config", controllers.CompositionSetConfig(svcs.Compositions, logg))
				r.Post("/primary", controllers.CompositionSetPrimary(svcs.Compositions, logg))
				r.Post("/rollback", controllers.CompositionRollback(svcs.Compositions, logg))
				r.Get("/versions", controllers.CompositionVersions(svcs.Compositions, logg))
				r.Get("/versions/{version}", controllers.CompositionVersion(svcs.Compositions, logg))
				r.Get("/versions/{version}/outputs", controllers.OutputsForVersion(svcs.Outputs, logg))
				r.Post("/versions/{version}/outputs/supersede", controllers.OutputsSupersede(svcs.Outputs, logg))
				r.Get("/outputs", controllers.OutputsLatest(svcs.Outputs, logg))
				r.Get("/render-plan", controllers.CompositionRenderPlan(svcs.Compositions, logg))
				r.Post("/render", controllers.CompositionRender(svcs.Render, logg))
			})
		})
	})

	return r
}
