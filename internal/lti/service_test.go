package lti_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/livelearn/livelearn/internal/auth"
	"github.com/livelearn/livelearn/internal/auth/jwks"
	"github.com/livelearn/livelearn/internal/canvas"
	"github.com/livelearn/livelearn/internal/lti"
	"github.com/livelearn/livelearn/internal/rbac"
	"github.com/livelearn/livelearn/internal/store"
	"github.com/livelearn/livelearn/internal/testutil"
)

const (
	issuer      = "https://canvas.instructure.com"
	ltiClientID = "10000000000042"
	roleLearner = "http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"
	roleTeacher = "http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"
	roleMentor  = "http://purl.imsglobal.org/vocab/lis/v2/membership#Mentor"
)

type fakeExchanger struct {
	code, domain string
	agsCalls     int
}

func (f *fakeExchanger) RequestAccessToken(_ context.Context, code, domain string) (canvas.Tokens, error) {
	f.code, f.domain = code, domain
	return canvas.Tokens{AccessToken: "access-new", RefreshToken: "refresh-new"}, nil
}

func (f *fakeExchanger) RequestAGSToken(_ context.Context, courseID string) (string, error) {
	f.agsCalls++
	return "ags-new", nil
}

type fixture struct {
	svc  *lti.Service
	st   *store.SQLStore
	key  *rsa.PrivateKey
	auth *auth.AuthService
	ex   *fakeExchanger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{jwks.FromRSA(&key.PublicKey, "platform-1")}})
	}))
	t.Cleanup(platform.Close)

	st := store.NewSQLStore(testutil.OpenDB(t))
	if err := st.PutConsumer(context.Background(), store.Consumer{
		Domain: "canvas.test", Issuer: issuer, ClientID: "api-1", ClientSecret: "s",
		LTIClientID: ltiClientID, DeploymentID: "dep-1",
		AuthURL: "https://sso.canvaslms.test/api/lti/authorize_redirect", JWKSURL: platform.URL,
	}); err != nil {
		t.Fatal(err)
	}
	a := auth.NewAuthService("test-secret", time.Hour)
	ex := &fakeExchanger{}
	svc := lti.NewService(st, jwks.NewCache(platform.Client(), time.Minute), ex, a, lti.Options{
		PublicURL: "https://tool.test", FrontendURL: "https://app.test", Title: "LiveLearn", Description: "Live polls",
	})
	return &fixture{svc: svc, st: st, key: key, auth: a, ex: ex}
}

// initiate runs the OIDC login step and returns state and nonce.
func (f *fixture) initiate(t *testing.T) (string, string) {
	t.Helper()
	redirect, err := f.svc.Initiate(context.Background(), lti.InitiationRequest{
		Issuer: issuer, LoginHint: "hint", TargetLinkURI: "https://tool.test/v1/lti/launch", ClientID: ltiClientID,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	u, _ := url.Parse(redirect)
	return u.Query().Get("state"), u.Query().Get("nonce")
}

func (f *fixture) idToken(t *testing.T, nonce string, roles []string, mutate func(jwt.MapClaims)) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   issuer,
		"aud":   ltiClientID,
		"sub":   "user-1",
		"name":  "Ada Lovelace",
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
		"nonce": nonce,
		"https://purl.imsglobal.org/spec/lti/claim/message_type":  "LtiResourceLinkRequest",
		"https://purl.imsglobal.org/spec/lti/claim/version":       "1.3.0",
		"https://purl.imsglobal.org/spec/lti/claim/deployment_id": "dep-1",
		"https://purl.imsglobal.org/spec/lti/claim/roles":         roles,
		"https://purl.imsglobal.org/spec/lti/claim/context":       map[string]any{"id": "ctx-abc"},
		"https://purl.imsglobal.org/spec/lti/claim/custom": map[string]any{
			"canvas_course_id":  "1234",
			"canvas_api_domain": "canvas.instructure.com",
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "platform-1"
	s, err := tok.SignedString(f.key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (f *fixture) launch(t *testing.T, roles []string, mutate func(jwt.MapClaims)) (string, error) {
	state, nonce := f.initiate(t)
	return f.svc.Launch(context.Background(), lti.LaunchRequest{IDToken: f.idToken(t, nonce, roles, mutate), State: state})
}

func TestInitiate(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Initiate(context.Background(), lti.InitiationRequest{Issuer: issuer}); !errors.Is(err, lti.ErrMissingParams) {
		t.Fatalf("missing fields: err = %v", err)
	}
	_, err := f.svc.Initiate(context.Background(), lti.InitiationRequest{
		Issuer: "https://other.test", LoginHint: "h", TargetLinkURI: "x", ClientID: ltiClientID,
	})
	if !errors.Is(err, lti.ErrUnknownConsumer) {
		t.Fatalf("unknown issuer: err = %v", err)
	}

	redirect, err := f.svc.Initiate(context.Background(), lti.InitiationRequest{
		Issuer: issuer, LoginHint: "hint", TargetLinkURI: "t", ClientID: ltiClientID, LTIMessageHint: "mh",
	})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(redirect)
	q := u.Query()
	if u.Host != "sso.canvaslms.test" || q.Get("response_mode") != "form_post" || q.Get("redirect_uri") != "https://tool.test/v1/lti/launch" ||
		q.Get("lti_message_hint") != "mh" || q.Get("prompt") != "none" || q.Get("state") == "" || q.Get("nonce") == "" {
		t.Fatalf("redirect = %s", redirect)
	}
}

func TestLaunch_MissingFields(t *testing.T) {
	f := newFixture(t)
	for _, req := range []lti.LaunchRequest{{}, {IDToken: "x"}, {State: "y"}} {
		if _, err := f.svc.Launch(context.Background(), req); !errors.Is(err, lti.ErrMissingParams) {
			t.Fatalf("%+v: err = %v", req, err)
		}
	}
}

func TestLaunch_ObserverIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	testutil.SeedCourse(t, f.st, "1234", "canvas.instructure.com")
	_, err := f.launch(t, []string{roleMentor, "Observer"}, nil)
	if !errors.Is(err, lti.ErrUnauthorizedRole) || err.Error() != "Unauthorized role" {
		t.Fatalf("err = %v", err)
	}
}

func TestLaunch_InstructorExistingCourse(t *testing.T) {
	f := newFixture(t)
	testutil.SeedCourse(t, f.st, "1234", "canvas.instructure.com")

	redirect, err := f.launch(t, []string{roleTeacher}, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	u, _ := url.Parse(redirect)
	if u.Host != "app.test" || u.Path != "/launch" || u.Query().Get("courseId") != "1234canvas" {
		t.Fatalf("redirect = %s", redirect)
	}
	p, err := f.auth.Parse(u.Query().Get("token"))
	if err != nil || p.UID != "user-1" || p.Role != rbac.RoleInstructor || p.CourseID != "1234canvas" || p.Name != "Ada Lovelace" {
		t.Fatalf("token principal = %+v err=%v", p, err)
	}
	c, _ := f.st.GetCourse(context.Background(), "1234canvas")
	if !c.HasInstructor("user-1") {
		t.Fatal("instructor not recorded on course")
	}
}

func TestLaunch_StudentUnknownCourse(t *testing.T) {
	f := newFixture(t)
	_, err := f.launch(t, []string{roleLearner}, nil)
	if !errors.Is(err, lti.ErrCourseNotEnabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestLaunch_InstructorUnknownCourseGoesToCanvas(t *testing.T) {
	f := newFixture(t)
	redirect, err := f.launch(t, []string{roleTeacher}, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	u, _ := url.Parse(redirect)
	q := u.Query()
	if u.Host != "canvas.test" || u.Path != "/login/oauth2/auth" || q.Get("client_id") != "api-1" ||
		q.Get("redirect_uri") != "https://tool.test/v1/lti/enableCourse" || q.Get("response_type") != "code" {
		t.Fatalf("redirect = %s", redirect)
	}

	out, err := f.svc.EnableCourse(context.Background(), "the-code", q.Get("state"), "")
	if err != nil {
		t.Fatalf("EnableCourse: %v", err)
	}
	if !strings.HasPrefix(out, "https://app.test/launch?") || f.ex.code != "the-code" || f.ex.domain != "canvas.test" || f.ex.agsCalls != 1 {
		t.Fatalf("redirect=%s exchanger=%+v", out, f.ex)
	}
	c, err := f.st.GetCourse(context.Background(), "1234canvas")
	if err != nil {
		t.Fatalf("course not created: %v", err)
	}
	if c.AccessToken != "access-new" || c.RefreshToken != "refresh-new" || !c.HasInstructor("user-1") || c.Domain != "canvas.test" {
		t.Fatalf("course = %+v", c)
	}

	// state is single use
	if _, err := f.svc.EnableCourse(context.Background(), "the-code", q.Get("state"), ""); !errors.Is(err, lti.ErrInvalidState) {
		t.Fatalf("replay: err = %v", err)
	}
}

func TestEnableCourse_Rejections(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.EnableCourse(context.Background(), "", "", "access_denied"); !errors.Is(err, lti.ErrAccessDenied) {
		t.Fatalf("denied: err = %v", err)
	}
	if _, err := f.svc.EnableCourse(context.Background(), "code", "", ""); !errors.Is(err, lti.ErrMissingParams) {
		t.Fatalf("missing: err = %v", err)
	}
	if _, err := f.svc.EnableCourse(context.Background(), "code", "bogus", ""); !errors.Is(err, lti.ErrInvalidState) {
		t.Fatalf("bogus state: err = %v", err)
	}
}

func TestLaunch_RejectsBadTokens(t *testing.T) {
	cases := map[string]func(jwt.MapClaims){
		"nonce":      func(c jwt.MapClaims) { c["nonce"] = "other" },
		"audience":   func(c jwt.MapClaims) { c["aud"] = "someone-else" },
		"issuer":     func(c jwt.MapClaims) { c["iss"] = "https://evil.test" },
		"expired":    func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() },
		"deployment": func(c jwt.MapClaims) { c["https://purl.imsglobal.org/spec/lti/claim/deployment_id"] = "dep-x" },
		"message":    func(c jwt.MapClaims) { c["https://purl.imsglobal.org/spec/lti/claim/message_type"] = "LtiDeepLinkingRequest" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			if _, err := f.launch(t, []string{roleTeacher}, mutate); !errors.Is(err, lti.ErrInvalidLaunch) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestLaunch_UnknownState(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Launch(context.Background(), lti.LaunchRequest{IDToken: f.idToken(t, "n", []string{roleTeacher}, nil), State: "nope"})
	if !errors.Is(err, lti.ErrInvalidState) {
		t.Fatalf("err = %v", err)
	}
}

func TestMapRole(t *testing.T) {
	cases := []struct {
		roles []string
		want  string
	}{
		{[]string{roleTeacher}, rbac.RoleInstructor},
		{[]string{"http://purl.imsglobal.org/vocab/lis/v2/membership/Instructor#TeachingAssistant"}, rbac.RoleInstructor},
		{[]string{"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator"}, rbac.RoleInstructor},
		{[]string{roleLearner, "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Student"}, rbac.RoleStudent},
		{[]string{roleLearner, roleTeacher}, rbac.RoleInstructor},
		{[]string{"Instructor"}, rbac.RoleInstructor},
		{[]string{roleLearner, "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Instructor"}, rbac.RoleStudent},
		{[]string{"http://purl.imsglobal.org/vocab/lis/v2/membership/Learner#Learner"}, rbac.RoleStudent},
	}
	for _, tc := range cases {
		got, err := lti.MapRole(tc.roles)
		if err != nil || got != tc.want {
			t.Errorf("MapRole(%v) = %q, %v; want %q", tc.roles, got, err, tc.want)
		}
	}
	for _, roles := range [][]string{
		{roleMentor},
		{roleMentor, "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Instructor"},
		{"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Faculty"},
		{"http://purl.imsglobal.org/vocab/lis/v2/system/person#Administrator"},
	} {
		if _, err := lti.MapRole(roles); !errors.Is(err, lti.ErrUnauthorizedRole) {
			t.Errorf("MapRole(%v): err = %v", roles, err)
		}
	}
	if _, err := lti.MapRole(nil); !errors.Is(err, lti.ErrUnauthorizedRole) {
		t.Errorf("no roles: err = %v", err)
	}
}

func TestConfigXMLAndJWKS(t *testing.T) {
	f := newFixture(t)
	xmlBody, err := f.svc.ConfigXML()
	if err != nil {
		t.Fatal(err)
	}
	s := string(xmlBody)
	for _, want := range []string{
		"<cartridge_basiclti_link", "<blti:launch_url>https://tool.test/v1/lti/launch</blti:launch_url>",
		`<lticm:property name="domain">tool.test</lticm:property>`, `<lticm:options name="course_navigation">`,
		`<lticm:property name="privacy_level">public</lticm:property>`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("config missing %q\n%s", want, s)
		}
	}

	set, err := f.svc.PublicJWKS(context.Background())
	if err != nil || len(set.Keys) != 0 {
		t.Fatalf("consumer without key: %+v %v", set, err)
	}
}
