package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/livelearn/livelearn/internal/storage"
	"github.com/livelearn/livelearn/internal/store"
)

// POST /v1/polls/{pollID}/images (multipart, field "file")
func UploadImageHandler(polls store.Polls, im *storage.Images) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		poll, ok := loadCoursePoll(w, r, polls)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, im.MaxBytes+64<<10)
		f, _, err := r.FormFile("file")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				err = storage.ErrTooLarge
			} else {
				err = fmt.Errorf("%w: %v", errBadForm, err)
			}
			respondError(w, r, err)
			return
		}
		defer f.Close()

		key, ct, err := im.Put(r.Context(), poll.ID, f)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"key":         key,
			"url":         "/v1/assets/" + key,
			"contentType": ct,
		})
	}
}

// GET /v1/assets/*. Keys look like polls/{pollID}/{file}; the poll must
// belong to the caller's course.
func ServeAssetHandler(polls store.Polls, im *storage.Images) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		parts := strings.SplitN(key, "/", 3)
		if len(parts) != 3 || parts[0] != "polls" {
			respondError(w, r, storage.ErrBadKey)
			return
		}
		poll, err := polls.GetPoll(r.Context(), parts[1])
		if err != nil {
			respondError(w, r, err)
			return
		}
		if _, err := sameCourse(r, poll.CourseID); err != nil {
			respondError(w, r, err)
			return
		}

		rc, ct, err := im.Open(r.Context(), key)
		if err != nil {
			respondError(w, r, err)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Cache-Control", "private, max-age=3600")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Security-Policy", "sandbox")
		_, _ = io.Copy(w, rc)
	}
}
