package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/livelearn/livelearn/internal/rbac"
	"github.com/livelearn/livelearn/internal/store"
)

type questionReq struct {
	Type    store.QuestionType `json:"type" validate:"required,oneof=radio text checkbox"`
	Prompt  string             `json:"prompt" validate:"required"`
	Choices []string           `json:"choices"`
	Answers []string           `json:"answers" validate:"required,min=1"`
	Images  []string           `json:"images"`
	Points  float64            `json:"points" validate:"gte=0"`
}

type createPollReq struct {
	Title     string        `json:"title" validate:"required"`
	Questions []questionReq `json:"questions" validate:"required,min=1,dive"`
}

func (q questionReq) check(i int) error {
	if q.Type == store.QuestionText {
		return nil
	}
	if len(q.Choices) < 2 {
		return fmt.Errorf("%w: question %d needs at least two choices", errInvalid, i)
	}
	if q.Type == store.QuestionRadio && len(q.Answers) != 1 {
		return fmt.Errorf("%w: question %d must have exactly one answer", errInvalid, i)
	}
	for _, a := range q.Answers {
		found := false
		for _, c := range q.Choices {
			if a == c {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: question %d answer %q is not a choice", errInvalid, i, a)
		}
	}
	return nil
}

// POST /v1/polls
func CreatePollHandler(polls store.Polls) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principal(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		var req createPollReq
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}
		poll := store.Poll{CourseID: p.CourseID, Title: strings.TrimSpace(req.Title)}
		for i, q := range req.Questions {
			if err := q.check(i); err != nil {
				respondError(w, r, err)
				return
			}
			poll.Questions = append(poll.Questions, store.Question{
				Type: q.Type, Prompt: q.Prompt, Choices: q.Choices,
				Answers: q.Answers, Images: q.Images, Points: q.Points,
			})
		}
		created, err := polls.CreatePoll(r.Context(), poll)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

// Revealer reports which questions of a poll currently show their answers.
type Revealer interface {
	Revealed(ctx context.Context, courseID, pollID string) []int
}

// GET /v1/polls/{pollID}
func GetPollHandler(polls store.Polls, rev Revealer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		poll, ok := loadCoursePoll(w, r, polls)
		if !ok {
			return
		}
		if !rbac.Can(r.Context(), rbac.PermPollViewKey) {
			poll = poll.WithoutAnswers(rev.Revealed(r.Context(), poll.CourseID, poll.ID)...)
		}
		writeJSON(w, http.StatusOK, poll)
	}
}

// GET /v1/courses/{courseID}/polls
func ListCoursePollsHandler(polls store.Polls) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID := chi.URLParam(r, "courseID")
		if _, err := sameCourse(r, courseID); err != nil {
			respondError(w, r, err)
			return
		}
		list, err := polls.ListPolls(r.Context(), courseID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// GET /v1/polls/{pollID}/scores
func ListScoresHandler(polls store.Polls, scores store.Scores) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		poll, ok := loadCoursePoll(w, r, polls)
		if !ok {
			return
		}
		list, err := scores.ListScores(r.Context(), poll.ID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// GET /v1/polls/{pollID}/scores/me
func MyScoreHandler(polls store.Polls, scores store.Scores) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		poll, ok := loadCoursePoll(w, r, polls)
		if !ok {
			return
		}
		p, _ := principal(r)
		sc, err := scores.GetScore(r.Context(), poll.ID, p.UID)
		if errors.Is(err, store.ErrNotFound) {
			sc, err = store.Score{PollID: poll.ID, UID: p.UID, Questions: []store.QuestionScore{}}, nil
		}
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sc)
	}
}

// loadCoursePoll loads {pollID} and checks it belongs to the caller's course.
func loadCoursePoll(w http.ResponseWriter, r *http.Request, polls store.Polls) (store.Poll, bool) {
	poll, err := polls.GetPoll(r.Context(), chi.URLParam(r, "pollID"))
	if err != nil {
		respondError(w, r, err)
		return store.Poll{}, false
	}
	if _, err := sameCourse(r, poll.CourseID); err != nil {
		respondError(w, r, err)
		return store.Poll{}, false
	}
	return poll, true
}
