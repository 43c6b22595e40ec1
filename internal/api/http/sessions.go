package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/livelearn/livelearn/internal/session"
)

type startReq struct {
	PollID string `json:"pollId" validate:"required"`
}

type updateReq struct {
	QuestionIndex *int `json:"questionIndex" validate:"required"`
	ShowAnswer    bool `json:"showAnswer"`
}

type answerReq struct {
	QuestionIndex *int `json:"questionIndex" validate:"required"`
	Answer        any  `json:"answer" validate:"required"`
}

// MountSessions registers /v1/sessions/{courseID}. The middleware arguments
// enforce the per-route permission.
func MountSessions(r chi.Router, svc *session.Service, hub *session.Hub, manage, join, answer func(http.Handler) http.Handler) {
	r.With(manage).Post("/", StartSessionHandler(svc))
	r.With(manage).Patch("/", UpdateSessionHandler(svc))
	r.With(manage).Delete("/", EndSessionHandler(svc))
	r.With(manage).Get("/tally", TallyHandler(svc))
	r.With(join).Get("/", GetSessionHandler(svc))
	r.With(join).Post("/join", JoinSessionHandler(svc))
	r.With(join).Get("/ws", SessionSocketHandler(svc, hub))
	r.With(answer).Post("/answers", AnswerHandler(svc))
}

func courseParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	courseID := chi.URLParam(r, "courseID")
	if _, err := sameCourse(r, courseID); err != nil {
		respondError(w, r, err)
		return "", false
	}
	return courseID, true
}

// POST /v1/sessions/{courseID}
func StartSessionHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID, ok := courseParam(w, r)
		if !ok {
			return
		}
		var req startReq
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}
		sess, err := svc.Start(r.Context(), courseID, req.PollID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

// PATCH /v1/sessions/{courseID}
func UpdateSessionHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID, ok := courseParam(w, r)
		if !ok {
			return
		}
		var req updateReq
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}
		sess, err := svc.Update(r.Context(), courseID, *req.QuestionIndex, req.ShowAnswer)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

// DELETE /v1/sessions/{courseID}
func EndSessionHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID, ok := courseParam(w, r)
		if !ok {
			return
		}
		if err := svc.End(r.Context(), courseID); err != nil {
			respondError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GET /v1/sessions/{courseID}
func GetSessionHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID, ok := courseParam(w, r)
		if !ok {
			return
		}
		sess, err := svc.Get(r.Context(), courseID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

// POST /v1/sessions/{courseID}/join
func JoinSessionHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID, ok := courseParam(w, r)
		if !ok {
			return
		}
		p, _ := principal(r)
		sess, err := svc.Join(r.Context(), courseID, p.UID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

// POST /v1/sessions/{courseID}/answers
func AnswerHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID, ok := courseParam(w, r)
		if !ok {
			return
		}
		var req answerReq
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}
		p, _ := principal(r)
		sc, err := svc.Answer(r.Context(), courseID, p.UID, *req.QuestionIndex, req.Answer)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sc)
	}
}

// GET /v1/sessions/{courseID}/tally
func TallyHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID, ok := courseParam(w, r)
		if !ok {
			return
		}
		t, err := svc.Tally(r.Context(), courseID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// GET /v1/sessions/{courseID}/ws?token=...
func SessionSocketHandler(svc *session.Service, hub *session.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID, ok := courseParam(w, r)
		if !ok {
			return
		}
		initial := &session.Message{Type: session.MsgIdle}
		sess, err := svc.Get(r.Context(), courseID)
		switch {
		case err == nil:
			initial = &session.Message{Type: session.MsgState, Session: &sess}
		case !errors.Is(err, session.ErrNoSession):
			respondError(w, r, err)
			return
		}
		p, _ := principal(r)
		hub.Serve(w, r, courseID, p.UID, initial)
	}
}
