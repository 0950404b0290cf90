package services

import (
	"log"
	"net/http"
	"os"
	"time"

	"claas/hub/auth"
	"claas/hub/storage"
	"claas/hub/worker"
	"claas/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Hub is the top level service composition. Every sub-service shares the same
// db handle, storage root and identity provider.
type Hub struct {
	user       UserService
	workspace  WorkspaceService
	resource   ResourceService
	data       DataRepoService
	experiment ExperimentService
	predict    PredictService

	userAuth *auth.IdentityProvider
	db       *gorm.DB
	pool     *worker.Pool
}

func NewHub(db *gorm.DB, store storage.Storage, secret []byte, tokenTtl time.Duration, pool *worker.Pool, mailer *Mailer) Hub {
	userAuth := auth.NewIdentityProvider(db, secret, tokenTtl)

	core := resourceCore{db: db, storage: store}

	return Hub{
		user:       UserService{db: db, storage: store, userAuth: userAuth},
		workspace:  WorkspaceService{resourceCore: core},
		resource:   ResourceService{resourceCore: core},
		data:       DataRepoService{resourceCore: core},
		experiment: ExperimentService{resourceCore: core, pool: pool, mailer: mailer},
		predict:    PredictService{resourceCore: core},
		userAuth:   userAuth,
		db:         db,
		pool:       pool,
	}
}

func (h *Hub) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/auth", h.user.AuthRoutes())

	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.user.Register)

		r.Route("/{user}", func(r chi.Router) {
			r.Use(h.userAuth.AuthMiddleware()...)
			r.Use(auth.RequireSelf())

			r.Get("/", h.user.Info)
			r.Patch("/", h.user.Update)
			r.Delete("/", h.user.Delete)
			r.Patch("/password", h.user.ChangePassword)

			r.Route("/workspaces", func(r chi.Router) {
				r.Post("/", h.workspace.Create)
				r.Get("/", h.workspace.List)

				r.Route("/{workspace}", func(r chi.Router) {
					r.Get("/", h.workspace.Info)
					r.Delete("/", h.workspace.Delete)
					r.Patch("/status", h.workspace.UpdateStatus)
					r.Patch("/name", h.workspace.Rename)

					r.Mount("/data", h.data.Routes())
					r.Mount("/experiments", h.experiment.Routes())
					r.Mount("/predictions", h.predict.Routes())
					r.Mount("/{type}", h.resource.Routes())
				})
			})
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJsonResponse(w, map[string]interface{}{
			"status":      "ok",
			"active_runs": h.pool.Active(),
		})
	})

	return r
}

// Stop shuts down the background worker pool.
func (h *Hub) Stop() {
	h.pool.Stop()
}
