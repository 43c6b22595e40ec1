package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/livelearn/livelearn/internal/logging"
	"github.com/livelearn/livelearn/internal/metrics"
	"github.com/livelearn/livelearn/internal/store"
)

// Request describes one logical Canvas call. Paginated GETs are followed
// transparently.
type Request struct {
	URL         string
	Method      string
	Body        any    // JSON-encoded when non-nil
	ContentType string // defaults to application/json
	Accept      string
	CourseID    string
	AGS         bool // use the AGS service token instead of the API token
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeRefresh
	outcomeFatal
)

// Refresher is implemented by *TokenHandler.
type Refresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken, courseID, domain string) (string, error)
	RequestAGSToken(ctx context.Context, courseID string) (string, error)
}

type CourseGetter interface {
	GetCourse(ctx context.Context, id string) (store.Course, error)
}

// Dispatcher sends authenticated Canvas requests. Each page gets one
// attempt, then at most one retry after a token refresh.
type Dispatcher struct {
	Courses  CourseGetter
	Tokens   Refresher
	HTTP     *http.Client
	MaxPages int
}

func NewDispatcher(courses CourseGetter, tokens Refresher, hc *http.Client) *Dispatcher {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Dispatcher{Courses: courses, Tokens: tokens, HTTP: hc, MaxPages: 100}
}

// Send performs req and returns the decoded body. JSON array pages linked
// with rel="next" are concatenated into one array.
func (d *Dispatcher) Send(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	course, err := d.Courses.GetCourse(ctx, req.CourseID)
	if err != nil {
		return nil, fmt.Errorf("canvas request: %w", err)
	}
	token := course.AccessToken
	if req.AGS {
		token = course.AGSToken
	}

	var pages []json.RawMessage
	url := req.URL
	maxPages := d.MaxPages
	if maxPages <= 0 {
		maxPages = 100
	}
	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("canvas %s: more than %d pages", req.URL, maxPages)
		}
		var body json.RawMessage
		var next string
		body, next, token, err = d.sendPage(ctx, req, course, url, token)
		if err != nil {
			return nil, err
		}
		if next == "" && page == 0 {
			return body, nil
		}
		pages = append(pages, body)
		if next == "" {
			break
		}
		url = next
	}
	return concatArrays(pages)
}

// sendPage is the two-attempt loop for one URL. It returns the token in
// use afterwards so later pages reuse a refreshed one.
func (d *Dispatcher) sendPage(ctx context.Context, req Request, course store.Course, url, token string) (json.RawMessage, string, string, error) {
	kind := "api"
	if req.AGS {
		kind = "ags"
	}
	for attempt := 0; attempt < 2; attempt++ {
		body, next, out, err := d.do(ctx, req, url, token)
		switch out {
		case outcomeOK:
			metrics.CanvasRequests.WithLabelValues(kind, "ok").Inc()
			return body, next, token, nil
		case outcomeFatal:
			metrics.CanvasRequests.WithLabelValues(kind, "fatal").Inc()
			return nil, "", token, err
		}

		metrics.CanvasRequests.WithLabelValues(kind, "refresh").Inc()
		if attempt == 1 {
			return nil, "", token, err
		}
		logging.Ctx(ctx).Info().Str("course_id", course.ID).Str("kind", kind).Err(err).
			Msg("canvas rejected token; refreshing")
		var rerr error
		if req.AGS {
			token, rerr = d.Tokens.RequestAGSToken(ctx, course.ID)
		} else {
			token, rerr = d.Tokens.RefreshAccessToken(ctx, course.RefreshToken, course.ID, course.Domain)
		}
		if rerr != nil {
			return nil, "", token, fmt.Errorf("token refresh after %w: %w", err, rerr)
		}
	}
	return nil, "", token, errors.New("canvas: unreachable")
}

func (d *Dispatcher) do(ctx context.Context, req Request, url, token string) (json.RawMessage, string, outcome, error) {
	var rdr io.Reader
	if req.Body != nil {
		buf, err := json.Marshal(req.Body)
		if err != nil {
			return nil, "", outcomeFatal, err
		}
		rdr = bytes.NewReader(buf)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, url, rdr)
	if err != nil {
		return nil, "", outcomeFatal, err
	}
	hreq.Header.Set("Authorization", "Bearer "+token)
	if req.Body != nil {
		ct := req.ContentType
		if ct == "" {
			ct = "application/json"
		}
		hreq.Header.Set("Content-Type", ct)
	}
	if req.Accept != "" {
		hreq.Header.Set("Accept", req.Accept)
	} else {
		hreq.Header.Set("Accept", "application/json")
	}

	resp, err := d.HTTP.Do(hreq)
	if err != nil {
		kind := "api"
		if req.AGS {
			kind = "ags"
		}
		metrics.CanvasRequests.WithLabelValues(kind, "transport").Inc()
		return nil, "", outcomeFatal, fmt.Errorf("canvas %s %s: %w", req.Method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", outcomeFatal, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, "", outcomeRefresh, &APIError{Status: resp.StatusCode, Message: errorMessage(raw, http.StatusText(resp.StatusCode)), URL: url}
	}
	if resp.StatusCode/100 != 2 {
		return nil, "", outcomeFatal, &APIError{Status: resp.StatusCode, Message: errorMessage(raw, http.StatusText(resp.StatusCode)), URL: url}
	}
	// Canvas sometimes answers 200 with an error payload for stale tokens.
	if msg, ok := errorPayload(raw); ok {
		return nil, "", outcomeRefresh, &APIError{Status: http.StatusUnauthorized, Message: msg, URL: url}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	return raw, nextLink(resp.Header), outcomeOK, nil
}

// errorPayload detects {"errors":[...]} / {"error":...} bodies.
func errorPayload(raw []byte) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var probe struct {
		Errors json.RawMessage `json:"errors"`
		Error  json.RawMessage `json:"error"`
	}
	if json.Unmarshal(trimmed, &probe) != nil {
		return "", false
	}
	switch {
	case len(probe.Errors) > 0 && string(probe.Errors) != "null":
		return errorMessage(trimmed, "canvas error"), true
	case len(probe.Error) > 0 && string(probe.Error) != "null":
		return errorMessage(trimmed, "canvas error"), true
	}
	return "", false
}

func errorMessage(raw []byte, fallback string) string {
	var env struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &env) == nil {
		switch {
		case len(env.Errors) > 0 && env.Errors[0].Message != "":
			return env.Errors[0].Message
		case env.Message != "":
			return env.Message
		case env.Error != nil:
			if s, ok := env.Error.(string); ok {
				return s
			}
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 512 {
		return s
	}
	return fallback
}

func concatArrays(pages []json.RawMessage) (json.RawMessage, error) {
	all := make([]json.RawMessage, 0)
	for _, p := range pages {
		var items []json.RawMessage
		if err := json.Unmarshal(p, &items); err != nil {
			return nil, fmt.Errorf("canvas: paginated response is not an array: %w", err)
		}
		all = append(all, items...)
	}
	return json.Marshal(all)
}
