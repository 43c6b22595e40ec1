package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// ---- courses ----

func (s *SQLStore) GetCourse(ctx context.Context, id string) (Course, error) {
	var c Course
	var ij string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, local_course_id, domain, access_token, refresh_token, ags_token, instructors_json, created_at
		  FROM courses WHERE id=$1`, id).
		Scan(&c.ID, &c.LocalCourseID, &c.Domain, &c.AccessToken, &c.RefreshToken, &c.AGSToken, &ij, &c.CreatedAt)
	if err != nil {
		return Course{}, notFound(err, "course "+id)
	}
	_ = json.Unmarshal([]byte(ij), &c.Instructors)
	return c, nil
}

// CreateCourse inserts c or refreshes its tokens. Instructors are merged
// into the existing list, never replaced.
func (s *SQLStore) CreateCourse(ctx context.Context, c Course) error {
	if c.Instructors == nil {
		c.Instructors = []string{}
	}
	ij, _ := json.Marshal(c.Instructors)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, local_course_id, domain, access_token, refresh_token, ags_token, instructors_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token`,
		c.ID, c.LocalCourseID, c.Domain, c.AccessToken, c.RefreshToken, c.AGSToken, string(ij), time.Now().Unix())
	if err != nil {
		return err
	}
	for _, uid := range c.Instructors {
		if err := s.AddInstructor(ctx, c.ID, uid); err != nil {
			return err
		}
	}
	return nil
}

// AddInstructor appends uid unless present. The write is a compare-and-set
// on the previous list, retried when another writer got there first.
func (s *SQLStore) AddInstructor(ctx context.Context, courseID, uid string) error {
	for range 8 {
		var ij string
		if err := s.db.QueryRowContext(ctx, `SELECT instructors_json FROM courses WHERE id=$1`, courseID).Scan(&ij); err != nil {
			return notFound(err, "course "+courseID)
		}
		var list []string
		_ = json.Unmarshal([]byte(ij), &list)
		if slices.Contains(list, uid) {
			return nil
		}
		buf, _ := json.Marshal(append(list, uid))
		res, err := s.db.ExecContext(ctx,
			`UPDATE courses SET instructors_json=$1 WHERE id=$2 AND instructors_json=$3`, string(buf), courseID, ij)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	return fmt.Errorf("course %s instructors: %w", courseID, ErrConflict)
}

func (s *SQLStore) UpdateAccessToken(ctx context.Context, courseID, token string) error {
	return s.execOne(ctx, "course "+courseID, `UPDATE courses SET access_token=$1 WHERE id=$2`, token, courseID)
}

func (s *SQLStore) UpdateAGSToken(ctx context.Context, courseID, token string) error {
	return s.execOne(ctx, "course "+courseID, `UPDATE courses SET ags_token=$1 WHERE id=$2`, token, courseID)
}

func (s *SQLStore) UpdateTokens(ctx context.Context, courseID, access, refresh string) error {
	return s.execOne(ctx, "course "+courseID,
		`UPDATE courses SET access_token=$1, refresh_token=$2 WHERE id=$3`, access, refresh, courseID)
}

func (s *SQLStore) execOne(ctx context.Context, what, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// ---- consumers ----

const consumerCols = `domain, base_url, issuer, client_id, client_secret, lti_client_id, deployment_id,
	key_id, private_key, auth_url, jwks_url, token_url, created_at`

func scanConsumer(row interface{ Scan(...any) error }) (Consumer, error) {
	var c Consumer
	err := row.Scan(&c.Domain, &c.BaseURL, &c.Issuer, &c.ClientID, &c.ClientSecret, &c.LTIClientID, &c.DeploymentID,
		&c.KeyID, &c.PrivateKey, &c.AuthURL, &c.JWKSURL, &c.TokenURL, &c.CreatedAt)
	return c, err
}

func (s *SQLStore) GetConsumer(ctx context.Context, domain string) (Consumer, error) {
	c, err := scanConsumer(s.db.QueryRowContext(ctx, `SELECT `+consumerCols+` FROM consumers WHERE domain=$1`, domain))
	if err != nil {
		return Consumer{}, notFound(err, "consumer "+domain)
	}
	return c, nil
}

func (s *SQLStore) FindConsumer(ctx context.Context, issuer, ltiClientID string) (Consumer, error) {
	c, err := scanConsumer(s.db.QueryRowContext(ctx,
		`SELECT `+consumerCols+` FROM consumers WHERE issuer=$1 AND lti_client_id=$2 ORDER BY created_at LIMIT 1`,
		issuer, ltiClientID))
	if err != nil {
		return Consumer{}, notFound(err, "consumer "+issuer+"/"+ltiClientID)
	}
	return c, nil
}

func (s *SQLStore) ListConsumers(ctx context.Context) ([]Consumer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+consumerCols+` FROM consumers ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Consumer{}
	for rows.Next() {
		c, err := scanConsumer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutConsumer(ctx context.Context, c Consumer) error {
	if c.BaseURL == "" {
		c.BaseURL = "https://" + c.Domain
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consumers (`+consumerCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (domain) DO UPDATE SET
			base_url=EXCLUDED.base_url, issuer=EXCLUDED.issuer,
			client_id=EXCLUDED.client_id, client_secret=EXCLUDED.client_secret,
			lti_client_id=EXCLUDED.lti_client_id, deployment_id=EXCLUDED.deployment_id,
			key_id=EXCLUDED.key_id, private_key=EXCLUDED.private_key,
			auth_url=EXCLUDED.auth_url, jwks_url=EXCLUDED.jwks_url, token_url=EXCLUDED.token_url`,
		c.Domain, c.BaseURL, c.Issuer, c.ClientID, c.ClientSecret, c.LTIClientID, c.DeploymentID,
		c.KeyID, c.PrivateKey, c.AuthURL, c.JWKSURL, c.TokenURL, time.Now().Unix())
	return err
}

// ---- polls ----

func (s *SQLStore) CreatePoll(ctx context.Context, p Poll) (Poll, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Questions == nil {
		p.Questions = []Question{}
	}
	p.Points = p.TotalPoints()
	p.CreatedAt = time.Now().Unix()
	qj, err := json.Marshal(p.Questions)
	if err != nil {
		return Poll{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO polls (id, course_id, title, points, questions_json, assignment_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.CourseID, p.Title, p.Points, string(qj), p.AssignmentID, p.CreatedAt)
	if err != nil {
		return Poll{}, err
	}
	return p, nil
}

func scanPoll(row interface{ Scan(...any) error }) (Poll, error) {
	var p Poll
	var qj string
	if err := row.Scan(&p.ID, &p.CourseID, &p.Title, &p.Points, &qj, &p.AssignmentID, &p.CreatedAt); err != nil {
		return Poll{}, err
	}
	if err := json.Unmarshal([]byte(qj), &p.Questions); err != nil {
		return Poll{}, err
	}
	return p, nil
}

func (s *SQLStore) GetPoll(ctx context.Context, id string) (Poll, error) {
	p, err := scanPoll(s.db.QueryRowContext(ctx, `
		SELECT id, course_id, title, points, questions_json, assignment_id, created_at
		  FROM polls WHERE id=$1`, id))
	if err != nil {
		return Poll{}, notFound(err, "poll "+id)
	}
	return p, nil
}

func (s *SQLStore) ListPolls(ctx context.Context, courseID string) ([]Poll, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, course_id, title, points, questions_json, assignment_id, created_at
		  FROM polls WHERE course_id=$1 ORDER BY created_at DESC, id`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Poll{}
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetAssignmentID(ctx context.Context, pollID, prev, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE polls SET assignment_id=$1 WHERE id=$2 AND assignment_id=$3`, id, pollID, prev)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetPoll(ctx, pollID); err != nil {
		return err
	}
	return fmt.Errorf("poll %s assignment id: %w", pollID, ErrConflict)
}

// ---- scores ----

func (s *SQLStore) ListScores(ctx context.Context, pollID string) ([]Score, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT poll_id, uid, points, questions_json FROM scores WHERE poll_id=$1 ORDER BY uid`, pollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Score{}
	for rows.Next() {
		var sc Score
		var qj string
		if err := rows.Scan(&sc.PollID, &sc.UID, &sc.Points, &qj); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(qj), &sc.Questions)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetScore(ctx context.Context, pollID, uid string) (Score, error) {
	var sc Score
	var qj string
	err := s.db.QueryRowContext(ctx,
		`SELECT poll_id, uid, points, questions_json FROM scores WHERE poll_id=$1 AND uid=$2`, pollID, uid).
		Scan(&sc.PollID, &sc.UID, &sc.Points, &qj)
	if err != nil {
		return Score{}, notFound(err, "score "+pollID+"/"+uid)
	}
	_ = json.Unmarshal([]byte(qj), &sc.Questions)
	return sc, nil
}

// PutScore upserts a score; Points is always recomputed from the questions.
func (s *SQLStore) PutScore(ctx context.Context, sc Score) error {
	sc.Recompute()
	if sc.Questions == nil {
		sc.Questions = []QuestionScore{}
	}
	qj, err := json.Marshal(sc.Questions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scores (poll_id, uid, points, questions_json, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (poll_id, uid) DO UPDATE SET
			points=EXCLUDED.points, questions_json=EXCLUDED.questions_json, updated_at=EXCLUDED.updated_at`,
		sc.PollID, sc.UID, sc.Points, string(qj), time.Now().Unix())
	return err
}

// ---- temp ----

func (s *SQLStore) PutTemp(ctx context.Context, t Temp) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO temp (state, kind, nonce, domain, course_id, local_course_id, uid, name, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.State, t.Kind, t.Nonce, t.Domain, t.CourseID, t.LocalCourseID, t.UID, t.Name, t.ExpiresAt.Unix())
	return err
}

// TakeTemp consumes state: of two concurrent takers only one gets the row.
func (s *SQLStore) TakeTemp(ctx context.Context, state string) (Temp, error) {
	var t Temp
	var exp int64
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM temp WHERE state=$1
		RETURNING state, kind, nonce, domain, course_id, local_course_id, uid, name, expires_at`, state).
		Scan(&t.State, &t.Kind, &t.Nonce, &t.Domain, &t.CourseID, &t.LocalCourseID, &t.UID, &t.Name, &exp)
	if err != nil {
		return Temp{}, notFound(err, "state")
	}
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM temp WHERE expires_at < $1`, now.Unix()); err != nil {
		return Temp{}, err
	}
	t.ExpiresAt = time.Unix(exp, 0)
	if now.After(t.ExpiresAt) {
		return Temp{}, fmt.Errorf("state expired: %w", ErrNotFound)
	}
	return t, nil
}
