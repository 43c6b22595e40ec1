package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/livelearn/livelearn/internal/auth"
	"github.com/livelearn/livelearn/internal/canvas"
	"github.com/livelearn/livelearn/internal/gradebook"
	"github.com/livelearn/livelearn/internal/grading"
	"github.com/livelearn/livelearn/internal/lti"
	"github.com/livelearn/livelearn/internal/rbac"
	"github.com/livelearn/livelearn/internal/session"
	"github.com/livelearn/livelearn/internal/storage"
	"github.com/livelearn/livelearn/internal/store"
	"github.com/livelearn/livelearn/internal/testutil"
)

type fakeGrader struct {
	calls []string
	res   gradebook.Result
	err   error
}

func (f *fakeGrader) GradePoll(_ context.Context, pollID string) (gradebook.Result, error) {
	f.calls = append(f.calls, pollID)
	if f.err != nil {
		return gradebook.Result{}, f.err
	}
	r := f.res
	r.PollID = pollID
	return r, nil
}

type api struct {
	h      http.Handler
	st     *store.SQLStore
	auth   *auth.AuthService
	grader *fakeGrader
	course store.Course
	poll   store.Poll
}

func newAPI(t *testing.T) *api {
	t.Helper()
	db := testutil.OpenDB(t)
	st := store.NewSQLStore(db)
	c := testutil.SeedCourse(t, st, "1234", "canvas.instructure.com", "teacher-1")
	p, err := st.CreatePoll(context.Background(), store.Poll{
		CourseID: c.ID,
		Title:    "Warmup",
		Questions: []store.Question{
			{Type: store.QuestionRadio, Prompt: "2+2", Choices: []string{"3", "4"}, Answers: []string{"4"}, Points: 1},
			{Type: store.QuestionText, Prompt: "capital of France", Answers: []string{"Paris"}, Points: 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	a := auth.NewAuthService("test-secret", time.Hour)
	hash, _ := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	fs, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	hub := session.NewHub(nil)
	g := &fakeGrader{res: gradebook.Result{AssignmentID: "101", Created: true, Posted: 2}}

	r := chi.NewRouter()
	Mount(r, Deps{
		Store:         st,
		DB:            db,
		Auth:          a,
		LTI:           lti.NewService(st, nil, nil, a, lti.Options{PublicURL: "https://tool.test", FrontendURL: "https://app.test", Title: "LiveLearn"}),
		Grades:        g,
		Sessions:      session.NewService(session.NewSQLStore(db), st, grading.New(), hub),
		Hub:           hub,
		Images:        storage.NewImages(fs),
		AdminUser:     "admin",
		AdminPassHash: string(hash),
	})
	return &api{h: r, st: st, auth: a, grader: g, course: c, poll: p}
}

func (a *api) token(t *testing.T, uid, role, courseID string) string {
	t.Helper()
	tok, err := a.auth.Issue(auth.Principal{UID: uid, Role: role, CourseID: courseID})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (a *api) instructor(t *testing.T) string {
	return a.token(t, "teacher-1", rbac.RoleInstructor, a.course.ID)
}

func (a *api) student(t *testing.T, uid string) string {
	return a.token(t, uid, rbac.RoleStudent, a.course.ID)
}

func (a *api) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, typ, msg string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	body := decodeBody[errorBody](t, rec)
	if body.Type != typ || (msg != "" && body.Message != msg) {
		t.Fatalf("body = %+v, want %s %q", body, typ, msg)
	}
}

func TestGradePoll(t *testing.T) {
	a := newAPI(t)

	t.Run("missing poll id", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/v1/canvas/assignments", a.instructor(t), map[string]string{})
		expectError(t, rec, http.StatusBadRequest, "invalid_request", "Missing required parameters")
	})
	t.Run("empty body", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/v1/canvas/assignments", a.instructor(t), nil)
		expectError(t, rec, http.StatusBadRequest, "invalid_request", "Missing required parameters")
	})
	t.Run("unknown poll", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/v1/canvas/assignments", a.instructor(t), map[string]string{"pollId": "nope"})
		expectError(t, rec, http.StatusBadRequest, "invalid_request", "Poll does not exist")
	})
	t.Run("no token", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/v1/canvas/assignments", "", map[string]string{"pollId": a.poll.ID})
		expectError(t, rec, http.StatusUnauthorized, "unauthorized", "")
	})
	t.Run("student", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/v1/canvas/assignments", a.student(t, "s1"), map[string]string{"pollId": a.poll.ID})
		expectError(t, rec, http.StatusForbidden, "forbidden", "")
	})
	t.Run("instructor of another course", func(t *testing.T) {
		tok := a.token(t, "teacher-9", rbac.RoleInstructor, "9999canvas")
		rec := a.do(t, http.MethodPost, "/v1/canvas/assignments", tok, map[string]string{"pollId": a.poll.ID})
		expectError(t, rec, http.StatusForbidden, "forbidden", "")
	})
	if len(a.grader.calls) != 0 {
		t.Fatalf("rejected requests reached the grader: %v", a.grader.calls)
	}

	rec := a.do(t, http.MethodPost, "/v1/canvas/assignments", a.instructor(t), map[string]string{"pollId": a.poll.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[map[string]any](t, rec)
	if got["message"] != "Successfully graded poll" || got["assignmentId"] != "101" || got["posted"] != float64(2) {
		t.Fatalf("body = %v", got)
	}
}

func TestGradePollErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		typ    string
		msg    string
	}{
		{gradebook.ErrNoScores, http.StatusBadRequest, "invalid_request", "Poll does not have any scores"},
		{fmt.Errorf("post score: %w", &canvas.APIError{Status: 404, Message: "line item gone"}), http.StatusNotFound, "canvas_error", "line item gone"},
		{&canvas.APIError{Status: 401, Message: "Invalid access token."}, http.StatusUnauthorized, "canvas_error", "Invalid access token."},
		{errors.New("boom"), http.StatusInternalServerError, "server_error", "boom"},
	}
	for _, tc := range cases {
		a := newAPI(t)
		a.grader.err = tc.err
		rec := a.do(t, http.MethodPost, "/v1/canvas/assignments", a.instructor(t), map[string]string{"pollId": a.poll.ID})
		expectError(t, rec, tc.status, tc.typ, tc.msg)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		typ    string
	}{
		{lti.ErrMissingParams, 400, "invalid_request"},
		{fmt.Errorf("grade: %w", gradebook.ErrNoPoints), 400, "invalid_request"},
		{lti.ErrUnauthorizedRole, 401, "unauthorized"},
		{errors.Join(lti.ErrInvalidLaunch, errors.New("token is expired")), 401, "unauthorized"},
		{lti.ErrCourseNotEnabled, 401, "unauthorized"},
		{session.ErrNoSession, 404, "not_found"},
		{session.ErrAlreadyAnswered, 409, "conflict"},
		{fmt.Errorf("poll x: %w", store.ErrNotFound), 404, "not_found"},
		{&canvas.OAuthError{Status: 400, Code: "invalid_grant"}, 400, "canvas_error"},
		{&canvas.APIError{Status: 0}, 502, "canvas_error"},
	}
	for _, tc := range cases {
		status, body := classify(tc.err)
		if status != tc.status || body.Type != tc.typ {
			t.Errorf("classify(%v) = %d %s, want %d %s", tc.err, status, body.Type, tc.status, tc.typ)
		}
	}
	if _, body := classify(errors.Join(lti.ErrInvalidLaunch, errors.New("kid not found"))); body.Message != "Invalid launch token" {
		t.Errorf("launch failure leaks detail: %q", body.Message)
	}
	if _, body := classify(fmt.Errorf("%w: question 0 needs at least two choices", errInvalid)); body.Message != "Invalid request body: question 0 needs at least two choices" {
		t.Errorf("invalid body message = %q", body.Message)
	}
}

func TestLaunchMissingFields(t *testing.T) {
	a := newAPI(t)
	for _, form := range []url.Values{{}, {"id_token": {"x"}}, {"state": {"y"}}} {
		req := httptest.NewRequest(http.MethodPost, "/v1/lti/launch", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		a.h.ServeHTTP(rec, req)
		expectError(t, rec, http.StatusBadRequest, "invalid_request", "Missing required parameters")
	}
}

func TestInitiationUnknownConsumer(t *testing.T) {
	a := newAPI(t)
	form := url.Values{
		"iss": {"https://canvas.instructure.com"}, "login_hint": {"u"},
		"target_link_uri": {"https://tool.test/v1/lti/launch"}, "client_id": {"nope"},
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/lti/initiation", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusUnauthorized, "unauthorized", "Unknown LTI consumer")
}

func TestLTIConfigXML(t *testing.T) {
	a := newAPI(t)
	rec := a.do(t, http.MethodGet, "/v1/lti/config", "", nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/xml") {
		t.Fatalf("status %d type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "https://tool.test/v1/lti/launch") {
		t.Fatalf("launch url missing: %s", rec.Body.String())
	}
}

func TestPollsAPI(t *testing.T) {
	a := newAPI(t)
	body := map[string]any{
		"title": "Quiz",
		"questions": []map[string]any{
			{"type": "checkbox", "prompt": "primes", "choices": []string{"2", "3", "4"}, "answers": []string{"2", "3"}, "points": 2},
			{"type": "text", "prompt": "color of sky", "answers": []string{"blue"}, "points": 1},
		},
	}
	rec := a.do(t, http.MethodPost, "/v1/polls", a.instructor(t), body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[store.Poll](t, rec)
	if created.Points != 3 || created.CourseID != a.course.ID {
		t.Fatalf("created = %+v", created)
	}

	rec = a.do(t, http.MethodPost, "/v1/polls", a.student(t, "s1"), body)
	expectError(t, rec, http.StatusForbidden, "forbidden", "")

	bad := map[string]any{"title": "x", "questions": []map[string]any{
		{"type": "radio", "prompt": "p", "choices": []string{"a", "b"}, "answers": []string{"c"}, "points": 1},
	}}
	rec = a.do(t, http.MethodPost, "/v1/polls", a.instructor(t), bad)
	expectError(t, rec, http.StatusBadRequest, "invalid_request", "")

	rec = a.do(t, http.MethodGet, "/v1/polls/"+created.ID, a.student(t, "s1"), nil)
	if got := decodeBody[store.Poll](t, rec); len(got.Questions) != 2 || got.Questions[0].Answers != nil {
		t.Fatalf("student view leaks answers: %+v", got)
	}
	rec = a.do(t, http.MethodGet, "/v1/polls/"+created.ID, a.instructor(t), nil)
	if got := decodeBody[store.Poll](t, rec); len(got.Questions[0].Answers) != 2 {
		t.Fatalf("instructor view lacks answers: %+v", got)
	}

	rec = a.do(t, http.MethodGet, "/v1/courses/"+a.course.ID+"/polls", a.instructor(t), nil)
	if got := decodeBody[[]store.Poll](t, rec); len(got) != 2 {
		t.Fatalf("list = %d polls", len(got))
	}
	rec = a.do(t, http.MethodGet, "/v1/courses/9999canvas/polls", a.instructor(t), nil)
	expectError(t, rec, http.StatusForbidden, "forbidden", "")
}

func TestSessionAPI(t *testing.T) {
	a := newAPI(t)
	base := "/v1/sessions/" + a.course.ID
	teacher, s1 := a.instructor(t), a.student(t, "s1")

	rec := a.do(t, http.MethodGet, base, s1, nil)
	expectError(t, rec, http.StatusNotFound, "not_found", "No active session")

	rec = a.do(t, http.MethodPost, base, s1, map[string]string{"pollId": a.poll.ID})
	expectError(t, rec, http.StatusForbidden, "forbidden", "")
	rec = a.do(t, http.MethodPost, base, teacher, map[string]string{"pollId": a.poll.ID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}

	if rec = a.do(t, http.MethodPost, base+"/join", s1, nil); rec.Code != http.StatusOK {
		t.Fatalf("join: %d %s", rec.Code, rec.Body.String())
	}
	rec = a.do(t, http.MethodPost, base+"/answers", s1, map[string]any{"questionIndex": 0, "answer": "4"})
	if rec.Code != http.StatusOK {
		t.Fatalf("answer: %d %s", rec.Code, rec.Body.String())
	}
	if sc := decodeBody[store.Score](t, rec); sc.Points != 1 {
		t.Fatalf("score = %+v", sc)
	}
	rec = a.do(t, http.MethodPost, base+"/answers", s1, map[string]any{"questionIndex": 0, "answer": "3"})
	expectError(t, rec, http.StatusConflict, "conflict", "Question already answered")
	rec = a.do(t, http.MethodPost, base+"/answers", s1, map[string]any{"answer": "3"})
	expectError(t, rec, http.StatusBadRequest, "invalid_request", "Missing required parameters")

	rec = a.do(t, http.MethodPatch, base, teacher, map[string]any{"questionIndex": 5})
	expectError(t, rec, http.StatusBadRequest, "invalid_request", "Question index out of range")
	rec = a.do(t, http.MethodPatch, base, teacher, map[string]any{"questionIndex": 0, "showAnswer": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("reveal: %d %s", rec.Code, rec.Body.String())
	}
	rec = a.do(t, http.MethodGet, "/v1/polls/"+a.poll.ID, s1, nil)
	if got := decodeBody[store.Poll](t, rec); len(got.Questions[0].Answers) != 1 || got.Questions[1].Answers != nil {
		t.Fatalf("revealed view = %+v", got.Questions)
	}

	rec = a.do(t, http.MethodGet, base+"/tally", teacher, nil)
	if tl := decodeBody[session.Tally](t, rec); tl.Responses != 1 || tl.Counts["4"] != 1 {
		t.Fatalf("tally = %+v", tl)
	}

	rec = a.do(t, http.MethodGet, "/v1/polls/"+a.poll.ID+"/scores/me", s1, nil)
	if sc := decodeBody[store.Score](t, rec); sc.Points != 1 {
		t.Fatalf("my score = %+v", sc)
	}
	rec = a.do(t, http.MethodGet, "/v1/polls/"+a.poll.ID+"/scores", s1, nil)
	expectError(t, rec, http.StatusForbidden, "forbidden", "")

	if rec = a.do(t, http.MethodDelete, base, teacher, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("end: %d", rec.Code)
	}
	rec = a.do(t, http.MethodGet, base, s1, nil)
	expectError(t, rec, http.StatusNotFound, "not_found", "")
}

func TestAdminConsumers(t *testing.T) {
	a := newAPI(t)
	body := map[string]string{
		"domain": "school.test", "clientId": "170000000000001", "clientSecret": "topsecret",
		"ltiClientId": "170000000000002",
	}

	rec := a.do(t, http.MethodPost, "/v1/admin/consumers", "", body)
	expectError(t, rec, http.StatusUnauthorized, "unauthorized", "")

	send := func(method, user, pass string, body any) *httptest.ResponseRecorder {
		var rd io.Reader
		if body != nil {
			buf, _ := json.Marshal(body)
			rd = bytes.NewReader(buf)
		}
		req := httptest.NewRequest(method, "/v1/admin/consumers", rd)
		req.SetBasicAuth(user, pass)
		rec := httptest.NewRecorder()
		a.h.ServeHTTP(rec, req)
		return rec
	}
	if rec := send(http.MethodGet, "admin", "wrong", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", rec.Code)
	}

	rec = send(http.MethodPost, "admin", "s3cret", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upsert: %d %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[struct {
		Consumer  store.Consumer    `json:"consumer"`
		PublicJWK map[string]string `json:"publicJwk"`
	}](t, rec)
	if got.Consumer.KeyID == "" || got.PublicJWK["kid"] != got.Consumer.KeyID || got.PublicJWK["kty"] != "RSA" {
		t.Fatalf("generated key = %+v", got)
	}
	saved, err := a.st.GetConsumer(context.Background(), "school.test")
	if err != nil || !strings.Contains(saved.PrivateKey, "PRIVATE KEY") || saved.AuthURL == "" {
		t.Fatalf("stored consumer = %+v err=%v", saved, err)
	}

	rec = send(http.MethodGet, "admin", "s3cret", nil)
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "topsecret") || strings.Contains(rec.Body.String(), "PRIVATE KEY") {
		t.Fatalf("list leaks secrets: %s", rec.Body.String())
	}

	rec = a.do(t, http.MethodGet, "/v1/lti/jwks", "", nil)
	if !strings.Contains(rec.Body.String(), got.Consumer.KeyID) {
		t.Fatalf("jwks missing kid: %s", rec.Body.String())
	}
}

func TestImageUploadAndServe(t *testing.T) {
	a := newAPI(t)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "dot.png")
	_, _ = fw.Write(png)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/polls/"+a.poll.ID+"/images", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+a.instructor(t))
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	up := decodeBody[map[string]string](t, rec)

	rec = a.do(t, http.MethodGet, up["url"]+"?token="+a.student(t, "s1"), "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" || !bytes.Equal(rec.Body.Bytes(), png) {
		t.Fatalf("serve: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	other := a.token(t, "s9", rbac.RoleStudent, "9999canvas")
	rec = a.do(t, http.MethodGet, up["url"], other, nil)
	expectError(t, rec, http.StatusForbidden, "forbidden", "")
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	if rec := a.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz %d", rec.Code)
	}
}

func TestSessionSocketBeforeStart(t *testing.T) {
	a := newAPI(t)
	srv := httptest.NewServer(a.h)
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + a.course.ID + "/ws?token=" + a.student(t, "s1")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() session.Message {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var m session.Message
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		return m
	}
	if m := read(); m.Type != session.MsgIdle || m.Session != nil {
		t.Fatalf("first message = %+v", m)
	}

	rec := a.do(t, http.MethodPost, "/v1/sessions/"+a.course.ID, a.instructor(t), map[string]string{"pollId": a.poll.ID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", rec.Code, rec.Body)
	}
	if m := read(); m.Type != session.MsgState || m.Session == nil || m.Session.PollID != a.poll.ID {
		t.Fatalf("after start = %+v", m)
	}
}
