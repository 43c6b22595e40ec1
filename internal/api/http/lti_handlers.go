package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/livelearn/livelearn/internal/auth/jwks"
	"github.com/livelearn/livelearn/internal/lti"
)

// MountLTI registers the Canvas-facing endpoints under /v1/lti.
func MountLTI(r chi.Router, svc *lti.Service) {
	r.Get("/initiation", InitiationHandler(svc))
	r.Post("/initiation", InitiationHandler(svc))
	r.Post("/launch", LaunchHandler(svc))
	r.Get("/enableCourse", EnableCourseHandler(svc))
	r.Get("/config", ConfigHandler(svc))
	r.Get("/jwks", jwks.Handler(svc.PublicJWKS, 10*time.Minute))
}

// POST /v1/lti/initiation (OIDC third-party login)
func InitiationHandler(svc *lti.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			respondError(w, r, errBadForm)
			return
		}
		to, err := svc.Initiate(r.Context(), lti.InitiationRequest{
			Issuer:         r.Form.Get("iss"),
			LoginHint:      r.Form.Get("login_hint"),
			TargetLinkURI:  r.Form.Get("target_link_uri"),
			ClientID:       r.Form.Get("client_id"),
			LTIMessageHint: r.Form.Get("lti_message_hint"),
			DeploymentID:   r.Form.Get("lti_deployment_id"),
		})
		if err != nil {
			respondError(w, r, err)
			return
		}
		http.Redirect(w, r, to, http.StatusFound)
	}
}

// POST /v1/lti/launch (form_post of the platform's id_token)
func LaunchHandler(svc *lti.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			respondError(w, r, lti.ErrMissingParams)
			return
		}
		to, err := svc.Launch(r.Context(), lti.LaunchRequest{
			IDToken: r.PostForm.Get("id_token"),
			State:   r.PostForm.Get("state"),
		})
		if err != nil {
			respondError(w, r, err)
			return
		}
		http.Redirect(w, r, to, http.StatusFound)
	}
}

// GET /v1/lti/enableCourse?code&state (Canvas OAuth redirect)
func EnableCourseHandler(svc *lti.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		to, err := svc.EnableCourse(r.Context(), q.Get("code"), q.Get("state"), q.Get("error"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		http.Redirect(w, r, to, http.StatusFound)
	}
}

// GET /v1/lti/config
func ConfigHandler(svc *lti.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := svc.ConfigXML()
		if err != nil {
			respondError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		_, _ = w.Write(out)
	}
}
