// Package gradebook pushes poll scores into the Canvas gradebook.
package gradebook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livelearn/livelearn/internal/canvas"
	"github.com/livelearn/livelearn/internal/logging"
	"github.com/livelearn/livelearn/internal/metrics"
	"github.com/livelearn/livelearn/internal/store"
)

var (
	ErrMissingParams = errors.New("Missing required parameters")
	ErrPollNotFound  = errors.New("Poll does not exist")
	ErrNoScores      = errors.New("Poll does not have any scores")
	ErrNoPoints      = errors.New("Poll is worth zero points")
)

const EventScoresPosted = "ScoresPosted"

// Store is what grading reads and writes locally.
type Store interface {
	GetPoll(ctx context.Context, id string) (store.Poll, error)
	ListScores(ctx context.Context, pollID string) ([]store.Score, error)
	GetCourse(ctx context.Context, id string) (store.Course, error)
	GetConsumer(ctx context.Context, domain string) (store.Consumer, error)
	SetAssignmentID(ctx context.Context, pollID, prev, id string) error
	AppendEvent(ctx context.Context, typ, key string, data any) error
}

// LineItems is implemented by *canvas.AGS.
type LineItems interface {
	GetLineItem(ctx context.Context, courseID, lineItemURL string) (canvas.LineItem, error)
	CreateLineItem(ctx context.Context, courseID, lineItemsURL string, req canvas.CreateLineItemReq) (canvas.LineItem, error)
	PostScore(ctx context.Context, courseID, lineItemURL string, s canvas.Score) error
}

type Result struct {
	PollID       string `json:"pollId"`
	AssignmentID string `json:"assignmentId"`
	Created      bool   `json:"created"`
	Posted       int    `json:"posted"`
}

type Controller struct {
	Store Store
	AGS   LineItems
	Now   func() time.Time
}

func New(st Store, ags LineItems, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{Store: st, AGS: ags, Now: now}
}

// GradePoll resolves the poll's line item and posts every student's score
// to it, one at a time in uid order.
func (c *Controller) GradePoll(ctx context.Context, pollID string) (Result, error) {
	if pollID == "" {
		return Result{}, ErrMissingParams
	}
	poll, err := c.Store.GetPoll(ctx, pollID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrPollNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("load poll: %w", err)
	}
	scores, err := c.Store.ListScores(ctx, pollID)
	if err != nil {
		return Result{}, fmt.Errorf("load scores: %w", err)
	}
	if len(scores) == 0 {
		return Result{}, ErrNoScores
	}
	if poll.Points <= 0 {
		return Result{}, ErrNoPoints
	}
	course, err := c.Store.GetCourse(ctx, poll.CourseID)
	if err != nil {
		return Result{}, fmt.Errorf("load course: %w", err)
	}
	cons, err := c.Store.GetConsumer(ctx, course.Domain)
	if err != nil {
		return Result{}, fmt.Errorf("load consumer: %w", err)
	}

	lineItemsURL := canvas.LineItemsURL(cons.APIBase(), course.LocalCourseID)
	li, created, err := c.ensureLineItem(ctx, poll, course, lineItemsURL)
	if err != nil {
		return Result{}, err
	}
	res := Result{PollID: poll.ID, AssignmentID: canvas.LineItemID(li.ID), Created: created}

	maxPts := poll.Points
	for _, sc := range scores {
		given := sc.Points
		err := c.AGS.PostScore(ctx, course.ID, li.ID, canvas.Score{
			UserID:           sc.UID,
			Timestamp:        c.Now().UTC().Format(time.RFC3339Nano),
			ScoreGiven:       &given,
			ScoreMaximum:     &maxPts,
			ActivityProgress: "Completed",
			GradingProgress:  "FullyGraded",
		})
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("poll_id", poll.ID).Str("uid", sc.UID).
				Int("posted", res.Posted).Msg("score passback aborted")
			return res, err
		}
		res.Posted++
		metrics.ScoresPosted.Inc()
	}

	if err := c.Store.AppendEvent(ctx, EventScoresPosted, poll.ID, res); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("poll_id", poll.ID).Msg("append grade event")
	}
	logging.Ctx(ctx).Info().Str("poll_id", poll.ID).Str("assignment_id", res.AssignmentID).
		Int("posted", res.Posted).Bool("created", created).Msg("poll graded")
	return res, nil
}

// ensureLineItem reuses the poll's line item when Canvas still has it and
// otherwise creates one. An unauthorized lookup is returned as is: the item
// may well exist, so recreating it would duplicate the gradebook column.
func (c *Controller) ensureLineItem(ctx context.Context, poll store.Poll, course store.Course, lineItemsURL string) (canvas.LineItem, bool, error) {
	if poll.AssignmentID != "" {
		li, err := c.AGS.GetLineItem(ctx, course.ID, lineItemsURL+"/"+poll.AssignmentID)
		if err == nil {
			if li.ID == "" {
				li.ID = lineItemsURL + "/" + poll.AssignmentID
			}
			return li, false, nil
		}
		if errors.Is(err, canvas.ErrUnauthorized) {
			return canvas.LineItem{}, false, err
		}
		logging.Ctx(ctx).Warn().Err(err).Str("poll_id", poll.ID).Str("assignment_id", poll.AssignmentID).
			Msg("stored line item unreachable; creating a new one")
	}

	li, err := c.AGS.CreateLineItem(ctx, course.ID, lineItemsURL, canvas.CreateLineItemReq{
		Label:        poll.Title,
		ScoreMaximum: poll.Points,
		ResourceID:   poll.ID,
	})
	if err != nil {
		return canvas.LineItem{}, false, err
	}
	metrics.LineItemsCreated.Inc()

	id := canvas.LineItemID(li.ID)
	err = c.Store.SetAssignmentID(ctx, poll.ID, poll.AssignmentID, id)
	if errors.Is(err, store.ErrConflict) {
		// A concurrent passback won; grade into its line item instead.
		fresh, gerr := c.Store.GetPoll(ctx, poll.ID)
		if gerr != nil {
			return canvas.LineItem{}, false, fmt.Errorf("reload poll: %w", gerr)
		}
		logging.Ctx(ctx).Warn().Str("poll_id", poll.ID).Str("orphaned", id).Str("assignment_id", fresh.AssignmentID).
			Msg("assignment id changed concurrently")
		return canvas.LineItem{ID: lineItemsURL + "/" + fresh.AssignmentID}, false, nil
	}
	if err != nil {
		return canvas.LineItem{}, false, fmt.Errorf("persist assignment id: %w", err)
	}
	return li, true, nil
}
