package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shelter-api/internal/auth"
	"shelter-api/internal/config"
	"shelter-api/internal/handlers"
	"shelter-api/internal/logger"
	mdlwr "shelter-api/internal/middleware"
	"shelter-api/internal/models"
	"shelter-api/internal/services"
)

// Deps are the services the router mounts. AuthSvc and JWT are only
// read when cfg.AdminAuthEnabled is set.
type Deps struct {
	Shelters *services.ShelterService
	AuthSvc  *services.AuthService
	JWT      *auth.JWTManager
	Gatherer prometheus.Gatherer
}

func NewRouter(cfg *config.Config, logr *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"X-Run-ID", "X-Reinit-Complete"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	shelterHandler := handlers.NewShelterHandler(deps.Shelters, logr.Logger)
	adminHandler := handlers.NewAdminHandler(deps.Shelters, logr.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/nearest-shelters", shelterHandler.FindNearest)
		r.Post("/shelters-in-radius", shelterHandler.FindWithinRadius)
		r.Get("/search", shelterHandler.Search)
		r.Get("/shelters", shelterHandler.List)
		r.Get("/shelters/count", shelterHandler.Count)
		r.Get("/regions", shelterHandler.Regions)
		r.Get("/shelter/{id}", shelterHandler.GetByID)
	})

	if !cfg.AdminAuthEnabled {
		logr.Warn("admin auth disabled, /admin/initialize is open")
		r.Post("/admin/initialize", adminHandler.Initialize)
		return r
	}

	authMW := mdlwr.NewAuthMiddleware(deps.JWT, deps.AuthSvc, logr.Logger)
	authHandler := handlers.NewAuthHandler(deps.AuthSvc, logr.Logger, cfg.Environment == "production")

	r.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/login", authHandler.LoginLocal)
		r.Post("/ldap", authHandler.LoginLDAP)
		r.Post("/refresh", authHandler.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(authMW.JWTAuth)
			r.Post("/logout", authHandler.Logout)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(authMW.JWTAuth)
		r.Use(authMW.RequireRole(models.RoleAdmin))
		r.Post("/initialize", adminHandler.Initialize)
	})

	return r
}
