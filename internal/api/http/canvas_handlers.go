package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/livelearn/livelearn/internal/gradebook"
	"github.com/livelearn/livelearn/internal/store"
)

// Grader is implemented by *gradebook.Controller.
type Grader interface {
	GradePoll(ctx context.Context, pollID string) (gradebook.Result, error)
}

type gradeReq struct {
	PollID string `json:"pollId" validate:"required"`
}

// POST /v1/canvas/assignments
func GradePollHandler(polls store.Polls, g Grader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gradeReq
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}
		poll, err := polls.GetPoll(r.Context(), req.PollID)
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, r, gradebook.ErrPollNotFound)
			return
		}
		if err != nil {
			respondError(w, r, err)
			return
		}
		if _, err := sameCourse(r, poll.CourseID); err != nil {
			respondError(w, r, err)
			return
		}

		res, err := g.GradePoll(r.Context(), poll.ID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":      "Successfully graded poll",
			"assignmentId": res.AssignmentID,
			"created":      res.Created,
			"posted":       res.Posted,
		})
	}
}
