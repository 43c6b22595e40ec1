package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/livelearn/livelearn/internal/grading"
	"github.com/livelearn/livelearn/internal/logging"
	"github.com/livelearn/livelearn/internal/store"
)

// Polls is the slice of the store the session service reads and writes.
type Polls interface {
	GetPoll(ctx context.Context, id string) (store.Poll, error)
	GetScore(ctx context.Context, pollID, uid string) (store.Score, error)
	PutScore(ctx context.Context, s store.Score) error
}

type Service struct {
	Sessions Store
	Polls    Polls
	Grader   *grading.Grader
	Hub      Publisher
}

func NewService(sessions Store, polls Polls, g *grading.Grader, hub Publisher) *Service {
	if g == nil {
		g = grading.New()
	}
	return &Service{Sessions: sessions, Polls: polls, Grader: g, Hub: hub}
}

func (s *Service) publish(sess Session) {
	if s.Hub != nil {
		s.Hub.Publish(sess.CourseID, Message{Type: MsgState, Session: &sess})
	}
}

func (s *Service) Get(ctx context.Context, courseID string) (Session, error) {
	return s.Sessions.Get(ctx, courseID)
}

// Start opens pollID for the course at question 0, replacing any
// running session.
func (s *Service) Start(ctx context.Context, courseID, pollID string) (Session, error) {
	p, err := s.Polls.GetPoll(ctx, pollID)
	if err != nil {
		return Session{}, fmt.Errorf("start session: %w", err)
	}
	if p.CourseID != courseID {
		return Session{}, ErrWrongCourse
	}
	if len(p.Questions) == 0 {
		return Session{}, ErrBadQuestion
	}
	sess := Session{CourseID: courseID, PollID: pollID}
	sess.normalize()
	if err := s.Sessions.Put(ctx, sess); err != nil {
		return Session{}, err
	}
	if sess, err = s.Sessions.Get(ctx, courseID); err != nil {
		return Session{}, err
	}
	logging.Ctx(ctx).Info().Str("course_id", courseID).Str("poll_id", pollID).Msg("session started")
	s.publish(sess)
	return sess, nil
}

// Update moves the question pointer and toggles answer reveal. Moving to a
// different question clears the answered list.
func (s *Service) Update(ctx context.Context, courseID string, index int, show bool) (Session, error) {
	cur, err := s.Sessions.Get(ctx, courseID)
	if err != nil {
		return Session{}, err
	}
	p, err := s.Polls.GetPoll(ctx, cur.PollID)
	if err != nil {
		return Session{}, err
	}
	if index < 0 || index >= len(p.Questions) {
		return Session{}, ErrBadQuestion
	}
	sess, err := s.Sessions.Update(ctx, courseID, func(x *Session) error {
		if x.PollID != cur.PollID {
			return ErrNoSession
		}
		if x.QuestionIndex != index {
			x.UserAnswered = []string{}
		}
		x.QuestionIndex = index
		x.ShowAnswer = show
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	s.publish(sess)
	return sess, nil
}

func (s *Service) Join(ctx context.Context, courseID, uid string) (Session, error) {
	sess, err := s.Sessions.Update(ctx, courseID, func(x *Session) error {
		if !x.Active(uid) {
			x.ActiveUsers = append(x.ActiveUsers, uid)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	s.publish(sess)
	return sess, nil
}

// Answer grades a student's answer to the open question and records it on
// the student's score.
func (s *Service) Answer(ctx context.Context, courseID, uid string, index int, answer any) (store.Score, error) {
	cur, err := s.Sessions.Get(ctx, courseID)
	if err != nil {
		return store.Score{}, err
	}
	if index != cur.QuestionIndex || cur.ShowAnswer {
		return store.Score{}, ErrQuestionClosed
	}
	if cur.Answered(uid) {
		return store.Score{}, ErrAlreadyAnswered
	}
	p, err := s.Polls.GetPoll(ctx, cur.PollID)
	if err != nil {
		return store.Score{}, err
	}
	if index < 0 || index >= len(p.Questions) {
		return store.Score{}, ErrBadQuestion
	}
	points, err := s.Grader.Score(p.Questions[index], answer)
	if err != nil {
		return store.Score{}, err
	}

	sess, err := s.Sessions.Update(ctx, courseID, func(x *Session) error {
		switch {
		case x.PollID != cur.PollID:
			return ErrNoSession
		case x.QuestionIndex != index || x.ShowAnswer:
			return ErrQuestionClosed
		case x.Answered(uid):
			return ErrAlreadyAnswered
		}
		x.UserAnswered = append(x.UserAnswered, uid)
		if !x.Active(uid) {
			x.ActiveUsers = append(x.ActiveUsers, uid)
		}
		return nil
	})
	if err != nil {
		return store.Score{}, err
	}

	sc, err := s.recordScore(ctx, p.ID, uid, index, store.QuestionScore{Answer: answer, Points: points})
	if err != nil {
		// Let the student retry instead of leaving them answered with no score.
		if _, uerr := s.Sessions.Update(ctx, courseID, func(x *Session) error {
			x.UserAnswered = slices.DeleteFunc(x.UserAnswered, func(u string) bool { return u == uid })
			return nil
		}); uerr != nil {
			logging.Ctx(ctx).Error().Err(uerr).Str("course_id", courseID).Str("uid", uid).Msg("undo answered mark")
		}
		return store.Score{}, fmt.Errorf("record answer: %w", err)
	}
	s.publish(sess)
	return sc, nil
}

func (s *Service) recordScore(ctx context.Context, pollID, uid string, index int, qs store.QuestionScore) (store.Score, error) {
	sc, err := s.Polls.GetScore(ctx, pollID, uid)
	if errors.Is(err, store.ErrNotFound) {
		sc, err = store.Score{PollID: pollID, UID: uid}, nil
	}
	if err != nil {
		return store.Score{}, err
	}
	sc.SetQuestion(index, qs)
	if err := s.Polls.PutScore(ctx, sc); err != nil {
		return store.Score{}, err
	}
	return sc, nil
}

// Tally is the answer distribution for the open question.
type Tally struct {
	PollID        string         `json:"pollId"`
	QuestionIndex int            `json:"questionIndex"`
	Responses     int            `json:"responses"`
	Counts        map[string]int `json:"counts"`
}

// Tally counts answers per choice; text answers are grouped by their
// normalized form.
func (s *Service) Tally(ctx context.Context, courseID string) (Tally, error) {
	sess, err := s.Sessions.Get(ctx, courseID)
	if err != nil {
		return Tally{}, err
	}
	p, err := s.Polls.GetPoll(ctx, sess.PollID)
	if err != nil {
		return Tally{}, err
	}
	if sess.QuestionIndex >= len(p.Questions) {
		return Tally{}, ErrBadQuestion
	}
	q := p.Questions[sess.QuestionIndex]
	t := Tally{PollID: p.ID, QuestionIndex: sess.QuestionIndex, Counts: map[string]int{}}
	for _, c := range q.Choices {
		t.Counts[c] = 0
	}

	uids := append([]string(nil), sess.UserAnswered...)
	sort.Strings(uids)
	for _, uid := range uids {
		sc, err := s.Polls.GetScore(ctx, p.ID, uid)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Tally{}, err
		}
		if sess.QuestionIndex >= len(sc.Questions) {
			continue
		}
		a := sc.Questions[sess.QuestionIndex].Answer
		t.Responses++
		switch q.Type {
		case store.QuestionCheckbox:
			picked, _ := grading.Strings(a)
			for _, c := range picked {
				t.Counts[c]++
			}
		case store.QuestionText:
			if str, ok := a.(string); ok {
				t.Counts[grading.Normalize(str)]++
			}
		default:
			if str, ok := a.(string); ok {
				t.Counts[str]++
			}
		}
	}
	return t, nil
}

// Revealed lists the question indexes of pollID whose answers students may
// see right now.
func (s *Service) Revealed(ctx context.Context, courseID, pollID string) []int {
	sess, err := s.Sessions.Get(ctx, courseID)
	if err != nil || sess.PollID != pollID || !sess.ShowAnswer {
		return nil
	}
	return []int{sess.QuestionIndex}
}

// End deletes the session and disconnects its clients.
func (s *Service) End(ctx context.Context, courseID string) error {
	if err := s.Sessions.Delete(ctx, courseID); err != nil {
		return err
	}
	logging.Ctx(ctx).Info().Str("course_id", courseID).Msg("session ended")
	if s.Hub != nil {
		s.Hub.CloseCourse(courseID, Message{Type: MsgEnded})
	}
	return nil
}
