package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/livelearn/livelearn/internal/auth"
	"github.com/livelearn/livelearn/internal/canvas"
	"github.com/livelearn/livelearn/internal/gradebook"
	"github.com/livelearn/livelearn/internal/grading"
	"github.com/livelearn/livelearn/internal/logging"
	"github.com/livelearn/livelearn/internal/lti"
	"github.com/livelearn/livelearn/internal/session"
	"github.com/livelearn/livelearn/internal/storage"
	"github.com/livelearn/livelearn/internal/store"
	"github.com/livelearn/livelearn/internal/validation"
)

const maxJSONBody = 1 << 20

var (
	errBadJSON   = errors.New("Malformed JSON body")
	errBadForm   = errors.New("Malformed form body")
	errInvalid   = errors.New("Invalid request body")
	errForbidden = errors.New("Not allowed for this course")
	errNoAuth    = errors.New("Missing credentials")
)

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errClass struct {
	err    error
	status int
	typ    string
	detail bool // answer with the wrapped message instead of the sentinel's
}

// The first match wins.
var classes = []errClass{
	{errBadJSON, http.StatusBadRequest, "invalid_request", true},
	{errBadForm, http.StatusBadRequest, "invalid_request", true},
	{errInvalid, http.StatusBadRequest, "invalid_request", true},
	{lti.ErrMissingParams, http.StatusBadRequest, "invalid_request", false},
	{gradebook.ErrMissingParams, http.StatusBadRequest, "invalid_request", false},
	{gradebook.ErrPollNotFound, http.StatusBadRequest, "invalid_request", false},
	{gradebook.ErrNoScores, http.StatusBadRequest, "invalid_request", false},
	{gradebook.ErrNoPoints, http.StatusBadRequest, "invalid_request", false},
	{grading.ErrBadAnswer, http.StatusBadRequest, "invalid_request", false},
	{session.ErrBadQuestion, http.StatusBadRequest, "invalid_request", false},
	{session.ErrQuestionClosed, http.StatusBadRequest, "invalid_request", false},
	{session.ErrWrongCourse, http.StatusBadRequest, "invalid_request", false},
	{storage.ErrUnsupported, http.StatusBadRequest, "invalid_request", false},
	{storage.ErrBadKey, http.StatusBadRequest, "invalid_request", false},
	{storage.ErrTooLarge, http.StatusRequestEntityTooLarge, "invalid_request", false},

	{lti.ErrUnauthorizedRole, http.StatusUnauthorized, "unauthorized", false},
	{lti.ErrCourseNotEnabled, http.StatusUnauthorized, "unauthorized", false},
	{lti.ErrInvalidState, http.StatusUnauthorized, "unauthorized", false},
	{lti.ErrUnknownConsumer, http.StatusUnauthorized, "unauthorized", false},
	{lti.ErrInvalidLaunch, http.StatusUnauthorized, "unauthorized", false},
	{lti.ErrAccessDenied, http.StatusUnauthorized, "unauthorized", false},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "unauthorized", false},
	{errNoAuth, http.StatusUnauthorized, "unauthorized", false},

	{errForbidden, http.StatusForbidden, "forbidden", false},

	{session.ErrNoSession, http.StatusNotFound, "not_found", false},
	{storage.ErrNotFound, http.StatusNotFound, "not_found", false},
	{session.ErrAlreadyAnswered, http.StatusConflict, "conflict", false},
	{store.ErrConflict, http.StatusConflict, "conflict", false},
}

func classify(err error) (int, errorBody) {
	var ve *validation.Error
	if errors.As(err, &ve) {
		msg := ve.Error()
		if ve.MissingRequired() {
			msg = "Missing required parameters"
		}
		return http.StatusBadRequest, errorBody{"invalid_request", msg}
	}
	var ae *canvas.APIError
	if errors.As(err, &ae) {
		status := ae.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		msg := ae.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return status, errorBody{"canvas_error", msg}
	}
	var oe *canvas.OAuthError
	if errors.As(err, &oe) {
		status := oe.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return status, errorBody{"canvas_error", oe.Error()}
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			msg := c.err.Error()
			if c.detail {
				msg = err.Error()
			}
			return c.status, errorBody{c.typ, msg}
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, errorBody{"not_found", err.Error()}
	}
	return http.StatusInternalServerError, errorBody{"server_error", err.Error()}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	ev := logging.Ctx(r.Context()).Debug()
	if status >= 500 {
		ev = logging.Ctx(r.Context()).Error()
	}
	ev.Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request failed")
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads one JSON value from the body and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return validation.Struct(v)
		}
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return validation.Struct(v)
}

// principal returns the caller authenticated by auth.JWTMiddleware.
func principal(r *http.Request) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return auth.Principal{}, errNoAuth
	}
	return p, nil
}

// sameCourse rejects callers whose token is scoped to another course.
func sameCourse(r *http.Request, courseID string) (auth.Principal, error) {
	p, err := principal(r)
	if err != nil {
		return p, err
	}
	if p.CourseID != courseID {
		return p, errForbidden
	}
	return p, nil
}
