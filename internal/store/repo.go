package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set write loses, e.g. a
	// poll's assignment id changed underneath the caller.
	ErrConflict = errors.New("conflict")
)

type Courses interface {
	GetCourse(ctx context.Context, id string) (Course, error)
	CreateCourse(ctx context.Context, c Course) error
	AddInstructor(ctx context.Context, courseID, uid string) error
	UpdateAccessToken(ctx context.Context, courseID, token string) error
	UpdateAGSToken(ctx context.Context, courseID, token string) error
	UpdateTokens(ctx context.Context, courseID, access, refresh string) error
}

type Consumers interface {
	GetConsumer(ctx context.Context, domain string) (Consumer, error)
	FindConsumer(ctx context.Context, issuer, ltiClientID string) (Consumer, error)
	ListConsumers(ctx context.Context) ([]Consumer, error)
	PutConsumer(ctx context.Context, c Consumer) error
}

type Polls interface {
	CreatePoll(ctx context.Context, p Poll) (Poll, error)
	GetPoll(ctx context.Context, id string) (Poll, error)
	ListPolls(ctx context.Context, courseID string) ([]Poll, error)
	// SetAssignmentID swaps the poll's line item id from prev to id.
	// Returns ErrConflict when the stored value is not prev.
	SetAssignmentID(ctx context.Context, pollID, prev, id string) error
}

type Scores interface {
	ListScores(ctx context.Context, pollID string) ([]Score, error)
	GetScore(ctx context.Context, pollID, uid string) (Score, error)
	PutScore(ctx context.Context, s Score) error
}

type Temps interface {
	PutTemp(ctx context.Context, t Temp) error
	// TakeTemp returns and deletes a record; expired records are ErrNotFound.
	TakeTemp(ctx context.Context, state string) (Temp, error)
}

type Events interface {
	AppendEvent(ctx context.Context, typ, key string, data any) error
}

type Store interface {
	Courses
	Consumers
	Polls
	Scores
	Temps
	Events
}
