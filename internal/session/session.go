// Package session runs the live polling session of a course: which poll
// and question are open, who joined, and who already answered.
package session

import (
	"context"
	"errors"
	"slices"
)

var (
	ErrNoSession       = errors.New("No active session")
	ErrAlreadyAnswered = errors.New("Question already answered")
	ErrBadQuestion     = errors.New("Question index out of range")
	ErrQuestionClosed  = errors.New("Question is not open for answers")
	ErrWrongCourse     = errors.New("Poll does not belong to this course")
)

// Session is the live state of one course. At most one exists per course.
type Session struct {
	CourseID      string   `json:"courseId"`
	PollID        string   `json:"pollId"`
	QuestionIndex int      `json:"questionIndex"`
	ShowAnswer    bool     `json:"showAnswer"`
	ActiveUsers   []string `json:"activeUsers"`
	UserAnswered  []string `json:"userAnswered"`
	Version       int64    `json:"version"`
	UpdatedAt     int64    `json:"updatedAt"`
}

func (s Session) Answered(uid string) bool { return slices.Contains(s.UserAnswered, uid) }

func (s Session) Active(uid string) bool { return slices.Contains(s.ActiveUsers, uid) }

func (s *Session) normalize() {
	if s.ActiveUsers == nil {
		s.ActiveUsers = []string{}
	}
	if s.UserAnswered == nil {
		s.UserAnswered = []string{}
	}
}

// Store persists sessions keyed by course. Get and Update return
// ErrNoSession when the course has none.
type Store interface {
	Get(ctx context.Context, courseID string) (Session, error)
	Put(ctx context.Context, s Session) error
	// Update applies fn to the current session and writes the result. A
	// concurrent writer makes the store re-read and call fn again.
	Update(ctx context.Context, courseID string, fn func(*Session) error) (Session, error)
	Delete(ctx context.Context, courseID string) error
}

const maxUpdateRetries = 8
