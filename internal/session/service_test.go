package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/livelearn/livelearn/internal/grading"
	"github.com/livelearn/livelearn/internal/session"
	"github.com/livelearn/livelearn/internal/store"
	"github.com/livelearn/livelearn/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	msgs   []session.Message
	closed []string
}

func (r *recorder) Publish(courseID string, m session.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) CloseCourse(courseID string, m session.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	r.closed = append(r.closed, courseID)
}

type fixture struct {
	svc    *session.Service
	st     *store.SQLStore
	hub    *recorder
	course store.Course
	poll   store.Poll
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	st := store.NewSQLStore(db)
	c := testutil.SeedCourse(t, st, "1234", "canvas.instructure.com", "teacher-1")
	p, err := st.CreatePoll(context.Background(), store.Poll{
		CourseID: c.ID,
		Title:    "Week 1",
		Questions: []store.Question{
			{Type: store.QuestionRadio, Prompt: "2+2", Choices: []string{"3", "4"}, Answers: []string{"4"}, Points: 1},
			{Type: store.QuestionCheckbox, Prompt: "primes", Choices: []string{"2", "3", "4"}, Answers: []string{"2", "3"}, Points: 2},
			{Type: store.QuestionText, Prompt: "capital of France", Answers: []string{"Paris"}, Points: 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	hub := &recorder{}
	svc := session.NewService(session.NewSQLStore(db), st, grading.New(), hub)
	return fixture{svc: svc, st: st, hub: hub, course: c, poll: p}
}

func TestStartJoinAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sess, err := f.svc.Start(ctx, f.course.ID, f.poll.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.QuestionIndex != 0 || sess.ShowAnswer || len(sess.ActiveUsers) != 0 {
		t.Fatalf("fresh session = %+v", sess)
	}
	if _, err := f.svc.Join(ctx, f.course.ID, "s1"); err != nil {
		t.Fatal(err)
	}
	sess, _ = f.svc.Join(ctx, f.course.ID, "s1")
	if len(sess.ActiveUsers) != 1 {
		t.Fatalf("join must be idempotent: %v", sess.ActiveUsers)
	}

	sc, err := f.svc.Answer(ctx, f.course.ID, "s1", 0, "4")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if sc.Points != 1 {
		t.Fatalf("points = %v", sc.Points)
	}
	if _, err := f.svc.Answer(ctx, f.course.ID, "s1", 0, "3"); !errors.Is(err, session.ErrAlreadyAnswered) {
		t.Fatalf("second answer: %v", err)
	}
	if _, err := f.svc.Answer(ctx, f.course.ID, "s2", 1, []any{"2"}); !errors.Is(err, session.ErrQuestionClosed) {
		t.Fatalf("answer to other question: %v", err)
	}

	got, _ := f.svc.Get(ctx, f.course.ID)
	if !got.Answered("s1") {
		t.Fatalf("user_answered = %v", got.UserAnswered)
	}
	if len(f.hub.msgs) < 4 {
		t.Fatalf("expected published snapshots, got %d", len(f.hub.msgs))
	}
}

func TestScoreSumsAcrossQuestions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.Start(ctx, f.course.ID, f.poll.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Answer(ctx, f.course.ID, "s1", 0, "4"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Update(ctx, f.course.ID, 1, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Answer(ctx, f.course.ID, "s1", 1, []any{"3", "2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Update(ctx, f.course.ID, 2, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Answer(ctx, f.course.ID, "s1", 2, "paris!"); err != nil {
		t.Fatal(err)
	}

	sc, err := f.st.GetScore(ctx, f.poll.ID, "s1")
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, q := range sc.Questions {
		sum += q.Points
	}
	if sc.Points != 4 || sum != sc.Points {
		t.Fatalf("score = %+v", sc)
	}
}

func TestUpdateBoundsAndReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.Start(ctx, f.course.ID, f.poll.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Answer(ctx, f.course.ID, "s1", 0, "4"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Update(ctx, f.course.ID, 3, false); !errors.Is(err, session.ErrBadQuestion) {
		t.Fatalf("out of range: %v", err)
	}
	if _, err := f.svc.Update(ctx, f.course.ID, -1, false); !errors.Is(err, session.ErrBadQuestion) {
		t.Fatalf("negative: %v", err)
	}

	sess, err := f.svc.Update(ctx, f.course.ID, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if !sess.Answered("s1") {
		t.Fatal("revealing the same question must keep user_answered")
	}
	if _, err := f.svc.Answer(ctx, f.course.ID, "s2", 0, "4"); !errors.Is(err, session.ErrQuestionClosed) {
		t.Fatalf("answer after reveal: %v", err)
	}
	if got := f.svc.Revealed(ctx, f.course.ID, f.poll.ID); len(got) != 1 || got[0] != 0 {
		t.Fatalf("revealed = %v", got)
	}

	sess, err = f.svc.Update(ctx, f.course.ID, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.UserAnswered) != 0 {
		t.Fatalf("moving must reset user_answered: %v", sess.UserAnswered)
	}
	if got := f.svc.Revealed(ctx, f.course.ID, f.poll.ID); got != nil {
		t.Fatalf("revealed after move = %v", got)
	}
}

func TestTally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.Start(ctx, f.course.ID, f.poll.ID); err != nil {
		t.Fatal(err)
	}
	for uid, a := range map[string]string{"s1": "4", "s2": "4", "s3": "3"} {
		if _, err := f.svc.Answer(ctx, f.course.ID, uid, 0, a); err != nil {
			t.Fatal(err)
		}
	}
	tl, err := f.svc.Tally(ctx, f.course.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tl.Responses != 3 || tl.Counts["4"] != 2 || tl.Counts["3"] != 1 {
		t.Fatalf("tally = %+v", tl)
	}

	if _, err := f.svc.Update(ctx, f.course.ID, 2, false); err != nil {
		t.Fatal(err)
	}
	for uid, a := range map[string]string{"s1": "Paris", "s2": " paris. ", "s3": "Lyon"} {
		if _, err := f.svc.Answer(ctx, f.course.ID, uid, 2, a); err != nil {
			t.Fatal(err)
		}
	}
	tl, _ = f.svc.Tally(ctx, f.course.ID)
	if tl.Counts["paris"] != 2 || tl.Counts["lyon"] != 1 {
		t.Fatalf("text tally = %+v", tl.Counts)
	}
}

func TestEndBroadcastsAndDeletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.Start(ctx, f.course.ID, f.poll.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.End(ctx, f.course.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Get(ctx, f.course.ID); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("session must be gone: %v", err)
	}
	last := f.hub.msgs[len(f.hub.msgs)-1]
	if last.Type != session.MsgEnded || len(f.hub.closed) != 1 || f.hub.closed[0] != f.course.ID {
		t.Fatalf("end not broadcast: %+v closed=%v", last, f.hub.closed)
	}
	if err := f.svc.End(ctx, f.course.ID); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("second end: %v", err)
	}
	if _, err := f.svc.Answer(ctx, f.course.ID, "s1", 0, "4"); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("answer without session: %v", err)
	}
}

func TestStartRejectsForeignPoll(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Start(context.Background(), "9999canvas", f.poll.ID); !errors.Is(err, session.ErrWrongCourse) {
		t.Fatalf("foreign poll: %v", err)
	}
	if _, err := f.svc.Start(context.Background(), f.course.ID, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing poll: %v", err)
	}
}

func TestConcurrentJoins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.Start(ctx, f.course.ID, f.poll.ID); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	uids := []string{"a", "b", "c", "d", "e"}
	for _, uid := range uids {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			if _, err := f.svc.Join(ctx, f.course.ID, uid); err != nil {
				t.Errorf("join %s: %v", uid, err)
			}
		}(uid)
	}
	wg.Wait()
	sess, _ := f.svc.Get(ctx, f.course.ID)
	if len(sess.ActiveUsers) != len(uids) {
		t.Fatalf("active = %v", sess.ActiveUsers)
	}
}

// flakyScores fails the next n score writes.
type flakyScores struct {
	*store.SQLStore
	fail int
}

func (f *flakyScores) PutScore(ctx context.Context, sc store.Score) error {
	if f.fail > 0 {
		f.fail--
		return errors.New("disk full")
	}
	return f.SQLStore.PutScore(ctx, sc)
}

func TestAnswerRetryAfterFailedScoreWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := session.NewService(f.svc.Sessions, &flakyScores{SQLStore: f.st, fail: 1}, grading.New(), f.hub)
	if _, err := svc.Start(ctx, f.course.ID, f.poll.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Answer(ctx, f.course.ID, "s1", 0, "4"); err == nil {
		t.Fatal("expected the score write to fail")
	}
	sess, _ := svc.Get(ctx, f.course.ID)
	if sess.Answered("s1") {
		t.Fatalf("s1 still marked answered: %+v", sess)
	}

	sc, err := svc.Answer(ctx, f.course.ID, "s1", 0, "4")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sc.Points != 1 {
		t.Fatalf("points = %v", sc.Points)
	}
	if _, err := svc.Answer(ctx, f.course.ID, "s1", 0, "4"); !errors.Is(err, session.ErrAlreadyAnswered) {
		t.Fatalf("third answer: %v", err)
	}
}
