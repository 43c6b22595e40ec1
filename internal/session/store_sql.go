package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/livelearn/livelearn/internal/store"
)

// SQLStore keeps sessions in the sessions table. Writes are optimistic on
// the version column.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Get(ctx context.Context, courseID string) (Session, error) {
	var out Session
	var show int
	var active, answered string
	err := s.db.QueryRowContext(ctx, `
		SELECT course_id, poll_id, question_index, show_answer, active_users_json, user_answered_json, version, updated_at
		  FROM sessions WHERE course_id=$1`, courseID).
		Scan(&out.CourseID, &out.PollID, &out.QuestionIndex, &show, &active, &answered, &out.Version, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	out.ShowAnswer = show != 0
	if err := json.Unmarshal([]byte(active), &out.ActiveUsers); err != nil {
		return Session{}, fmt.Errorf("session %s active users: %w", courseID, err)
	}
	if err := json.Unmarshal([]byte(answered), &out.UserAnswered); err != nil {
		return Session{}, fmt.Errorf("session %s answered: %w", courseID, err)
	}
	out.normalize()
	return out, nil
}

// Put creates or replaces the course's session.
func (s *SQLStore) Put(ctx context.Context, in Session) error {
	in.normalize()
	active, _ := json.Marshal(in.ActiveUsers)
	answered, _ := json.Marshal(in.UserAnswered)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (course_id, poll_id, question_index, show_answer, active_users_json, user_answered_json, version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7)
		ON CONFLICT (course_id) DO UPDATE SET
			poll_id=EXCLUDED.poll_id, question_index=EXCLUDED.question_index,
			show_answer=EXCLUDED.show_answer, active_users_json=EXCLUDED.active_users_json,
			user_answered_json=EXCLUDED.user_answered_json,
			version=sessions.version+1, updated_at=EXCLUDED.updated_at`,
		in.CourseID, in.PollID, in.QuestionIndex, boolInt(in.ShowAnswer), string(active), string(answered), s.now().Unix())
	return err
}

func (s *SQLStore) Update(ctx context.Context, courseID string, fn func(*Session) error) (Session, error) {
	for range maxUpdateRetries {
		cur, err := s.Get(ctx, courseID)
		if err != nil {
			return Session{}, err
		}
		next := cur
		next.ActiveUsers = append([]string(nil), cur.ActiveUsers...)
		next.UserAnswered = append([]string(nil), cur.UserAnswered...)
		if err := fn(&next); err != nil {
			return Session{}, err
		}
		next.normalize()
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().Unix()
		active, _ := json.Marshal(next.ActiveUsers)
		answered, _ := json.Marshal(next.UserAnswered)
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET question_index=$1, show_answer=$2, active_users_json=$3,
				user_answered_json=$4, version=$5, updated_at=$6
			 WHERE course_id=$7 AND version=$8`,
			next.QuestionIndex, boolInt(next.ShowAnswer), string(active), string(answered),
			next.Version, next.UpdatedAt, courseID, cur.Version)
		if err != nil {
			return Session{}, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return next, nil
		}
	}
	return Session{}, fmt.Errorf("session %s: write contention: %w", courseID, store.ErrConflict)
}

func (s *SQLStore) Delete(ctx context.Context, courseID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE course_id=$1`, courseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSession
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
