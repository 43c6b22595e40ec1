// Package http holds the REST and WebSocket handlers of the LiveLearn API.
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/livelearn/livelearn/internal/auth"
	"github.com/livelearn/livelearn/internal/lti"
	"github.com/livelearn/livelearn/internal/rbac"
	"github.com/livelearn/livelearn/internal/session"
	"github.com/livelearn/livelearn/internal/storage"
	"github.com/livelearn/livelearn/internal/store"
)

// Deps is everything the API needs; cmd/livelearn builds it.
type Deps struct {
	Store    store.Store
	DB       Pinger
	Auth     *auth.AuthService
	LTI      *lti.Service
	Grades   Grader
	Sessions *session.Service
	Hub      *session.Hub
	Images   *storage.Images

	AdminUser     string
	AdminPassHash string

	// LTIRateLimit is requests per minute per IP on /v1/lti; 0 disables it.
	LTIRateLimit int
}

// Mount registers every route on r.
func Mount(r chi.Router, d Deps) {
	r.Get("/healthz", HealthzHandler())
	r.Get("/readyz", ReadyzHandler(d.DB))

	r.Route("/v1/lti", func(lr chi.Router) {
		if d.LTIRateLimit > 0 {
			lr.Use(httprate.LimitByIP(d.LTIRateLimit, time.Minute))
		}
		MountLTI(lr, d.LTI)
	})

	r.Route("/v1/admin", func(ar chi.Router) {
		ar.Use(AdminAuth(d.AdminUser, d.AdminPassHash))
		ar.Post("/consumers", UpsertConsumerHandler(d.Store))
		ar.Get("/consumers", ListConsumersHandler(d.Store))
	})

	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(d.Auth))

		pr.With(rbac.Require(rbac.PermPollGrade)).
			Post("/v1/canvas/assignments", GradePollHandler(d.Store, d.Grades))

		pr.With(rbac.Require(rbac.PermPollCreate)).
			Post("/v1/polls", CreatePollHandler(d.Store))
		pr.With(rbac.Require(rbac.PermPollView)).
			Get("/v1/polls/{pollID}", GetPollHandler(d.Store, d.Sessions))
		pr.With(rbac.Require(rbac.PermScoreViewAll)).
			Get("/v1/polls/{pollID}/scores", ListScoresHandler(d.Store, d.Store))
		pr.With(rbac.Require(rbac.PermPollView)).
			Get("/v1/polls/{pollID}/scores/me", MyScoreHandler(d.Store, d.Store))
		pr.With(rbac.Require(rbac.PermAssetUpload)).
			Post("/v1/polls/{pollID}/images", UploadImageHandler(d.Store, d.Images))
		pr.With(rbac.Require(rbac.PermPollCreate)).
			Get("/v1/courses/{courseID}/polls", ListCoursePollsHandler(d.Store))
		pr.With(rbac.Require(rbac.PermPollView)).
			Get("/v1/assets/*", ServeAssetHandler(d.Store, d.Images))

		pr.Route("/v1/sessions/{courseID}", func(sr chi.Router) {
			MountSessions(sr, d.Sessions, d.Hub,
				rbac.Require(rbac.PermSessionManage),
				rbac.Require(rbac.PermSessionJoin),
				rbac.Require(rbac.PermSessionAnswer),
			)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{"not_found", "No such route"})
	})
}
