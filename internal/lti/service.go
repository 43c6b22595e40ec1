// Package lti implements the LTI 1.3 tool side of a Canvas launch: OIDC
// login initiation, id_token launch, and course enablement through the
// Canvas OAuth code flow.
package lti

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/livelearn/livelearn/internal/auth"
	"github.com/livelearn/livelearn/internal/auth/jwks"
	"github.com/livelearn/livelearn/internal/canvas"
	"github.com/livelearn/livelearn/internal/logging"
	"github.com/livelearn/livelearn/internal/metrics"
	"github.com/livelearn/livelearn/internal/rbac"
	"github.com/livelearn/livelearn/internal/store"
	"github.com/livelearn/livelearn/internal/validation"
)

// Rejections. The HTTP layer maps ErrMissingParams to 400 and the rest
// to 401.
var (
	ErrMissingParams    = errors.New("Missing required parameters")
	ErrUnauthorizedRole = errors.New("Unauthorized role")
	ErrCourseNotEnabled = errors.New("Course is not enabled")
	ErrInvalidState     = errors.New("Invalid or expired state")
	ErrUnknownConsumer  = errors.New("Unknown LTI consumer")
	ErrInvalidLaunch    = errors.New("Invalid launch token")
	ErrAccessDenied     = errors.New("Canvas access was denied")
)

const (
	stateTTL = 10 * time.Minute

	EventCourseEnabled = "CourseEnabled"
)

type Store interface {
	store.Courses
	store.Consumers
	store.Temps
	store.Events
}

// CodeExchanger is implemented by *canvas.TokenHandler.
type CodeExchanger interface {
	RequestAccessToken(ctx context.Context, code, domain string) (canvas.Tokens, error)
	RequestAGSToken(ctx context.Context, courseID string) (string, error)
}

type Options struct {
	PublicURL   string // https://tool.example.edu, no trailing slash
	FrontendURL string
	Title       string
	Description string
}

type Service struct {
	Store  Store
	Keys   *jwks.Cache
	Tokens CodeExchanger
	Auth   *auth.AuthService
	Opts   Options
	Now    func() time.Time
}

func NewService(st Store, keys *jwks.Cache, tokens CodeExchanger, a *auth.AuthService, opts Options) *Service {
	return &Service{Store: st, Keys: keys, Tokens: tokens, Auth: a, Opts: opts, Now: time.Now}
}

func (s *Service) LaunchURL() string { return s.Opts.PublicURL + "/v1/lti/launch" }
func (s *Service) EnableURL() string { return s.Opts.PublicURL + "/v1/lti/enableCourse" }

// InitiationRequest is the third-party login form Canvas posts.
type InitiationRequest struct {
	Issuer         string `form:"iss" validate:"required"`
	LoginHint      string `form:"login_hint" validate:"required"`
	TargetLinkURI  string `form:"target_link_uri" validate:"required"`
	ClientID       string `form:"client_id" validate:"required"`
	LTIMessageHint string `form:"lti_message_hint"`
	DeploymentID   string `form:"lti_deployment_id"`
}

// Initiate stores a fresh state and nonce and returns the platform
// authorization URL to redirect to.
func (s *Service) Initiate(ctx context.Context, req InitiationRequest) (string, error) {
	if err := validation.Struct(&req); err != nil {
		return "", ErrMissingParams
	}
	cons, err := s.Store.FindConsumer(ctx, req.Issuer, req.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnknownConsumer
	}
	if err != nil {
		return "", fmt.Errorf("find consumer: %w", err)
	}
	if cons.AuthURL == "" {
		return "", fmt.Errorf("consumer %s has no OIDC auth url", cons.Domain)
	}

	state, nonce := uuid.NewString(), uuid.NewString()
	if err := s.Store.PutTemp(ctx, store.Temp{
		State: state, Kind: store.TempLaunch, Nonce: nonce, Domain: cons.Domain,
		ExpiresAt: s.Now().Add(stateTTL),
	}); err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}

	q := url.Values{}
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", "openid")
	q.Set("prompt", "none")
	q.Set("client_id", cons.LTIClientID)
	q.Set("redirect_uri", s.LaunchURL())
	q.Set("login_hint", req.LoginHint)
	if req.LTIMessageHint != "" {
		q.Set("lti_message_hint", req.LTIMessageHint)
	}
	q.Set("state", state)
	q.Set("nonce", nonce)
	return cons.AuthURL + "?" + q.Encode(), nil
}

type LaunchRequest struct {
	IDToken string `form:"id_token" validate:"required"`
	State   string `form:"state" validate:"required"`
}

// Launch verifies the id_token and returns where to send the browser: the
// frontend with an app token, or the Canvas authorize page when an
// instructor opens a course that is not enabled yet.
func (s *Service) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if err := validation.Struct(&req); err != nil {
		metrics.Launches.WithLabelValues("bad_request").Inc()
		return "", ErrMissingParams
	}
	redirect, err := s.launch(ctx, req)
	switch {
	case err == nil:
		metrics.Launches.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrUnauthorizedRole):
		metrics.Launches.WithLabelValues("role").Inc()
	default:
		metrics.Launches.WithLabelValues("rejected").Inc()
	}
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("lti launch rejected")
	}
	return redirect, err
}

func (s *Service) launch(ctx context.Context, req LaunchRequest) (string, error) {
	temp, err := s.Store.TakeTemp(ctx, req.State)
	if errors.Is(err, store.ErrNotFound) || (err == nil && temp.Kind != store.TempLaunch) {
		return "", ErrInvalidState
	}
	if err != nil {
		return "", fmt.Errorf("load state: %w", err)
	}
	cons, err := s.Store.GetConsumer(ctx, temp.Domain)
	if err != nil {
		return "", fmt.Errorf("consumer: %w", err)
	}

	claims, err := s.verify(ctx, cons, req.IDToken)
	if err != nil {
		return "", errors.Join(ErrInvalidLaunch, err)
	}
	if claims.Nonce != temp.Nonce {
		return "", errors.Join(ErrInvalidLaunch, errors.New("nonce mismatch"))
	}
	if claims.Version != ltiVersion || claims.MessageType != msgTypeResourceLink {
		return "", errors.Join(ErrInvalidLaunch, fmt.Errorf("unsupported message %s/%s", claims.MessageType, claims.Version))
	}
	if cons.DeploymentID != "" && claims.DeploymentID != cons.DeploymentID {
		return "", errors.Join(ErrInvalidLaunch, errors.New("unknown deployment"))
	}

	role, err := MapRole(claims.Roles)
	if err != nil {
		return "", err
	}
	local := claims.LocalCourseID()
	if local == "" || claims.Subject == "" {
		return "", ErrMissingParams
	}
	courseID := store.CourseKey(local, claims.APIDomain(cons.Domain))
	p := auth.Principal{UID: claims.Subject, Role: role, CourseID: courseID, Name: claims.Name}

	course, err := s.Store.GetCourse(ctx, courseID)
	switch {
	case err == nil:
		if role == rbac.RoleInstructor && !course.HasInstructor(p.UID) {
			if err := s.Store.AddInstructor(ctx, courseID, p.UID); err != nil {
				return "", fmt.Errorf("add instructor: %w", err)
			}
		}
		return s.frontendRedirect(p)
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("load course: %w", err)
	case role != rbac.RoleInstructor:
		return "", ErrCourseNotEnabled
	}

	// Instructor on a new course: enable it through the Canvas OAuth flow.
	state := uuid.NewString()
	if err := s.Store.PutTemp(ctx, store.Temp{
		State: state, Kind: store.TempEnable, Domain: cons.Domain,
		CourseID: courseID, LocalCourseID: local, UID: p.UID, Name: p.Name,
		ExpiresAt: s.Now().Add(stateTTL),
	}); err != nil {
		return "", fmt.Errorf("save enable state: %w", err)
	}
	logging.Ctx(ctx).Info().Str("course_id", courseID).Str("uid", p.UID).Msg("course not enabled; sending instructor to canvas")
	return s.oauthConfig(cons).AuthCodeURL(state), nil
}

func (s *Service) verify(ctx context.Context, cons store.Consumer, raw string) (LaunchClaims, error) {
	var claims LaunchClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := s.Keys.Key(ctx, cons.JWKSURL, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(cons.Issuer),
		jwt.WithAudience(cons.LTIClientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(s.Now),
	)
	return claims, err
}

func (s *Service) oauthConfig(cons store.Consumer) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cons.ClientID,
		ClientSecret: cons.ClientSecret,
		RedirectURL:  s.EnableURL(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  cons.AuthorizeEndpoint(),
			TokenURL: cons.TokenEndpoint(),
		},
	}
}

// EnableCourse finishes the Canvas OAuth code flow started by Launch.
// errParam is Canvas's "error" query parameter.
func (s *Service) EnableCourse(ctx context.Context, code, state, errParam string) (string, error) {
	if errParam != "" {
		return "", fmt.Errorf("%w: %s", ErrAccessDenied, errParam)
	}
	if code == "" || state == "" {
		return "", ErrMissingParams
	}
	temp, err := s.Store.TakeTemp(ctx, state)
	if errors.Is(err, store.ErrNotFound) || (err == nil && temp.Kind != store.TempEnable) {
		return "", ErrInvalidState
	}
	if err != nil {
		return "", fmt.Errorf("load state: %w", err)
	}

	tok, err := s.Tokens.RequestAccessToken(ctx, code, temp.Domain)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}

	_, err = s.Store.GetCourse(ctx, temp.CourseID)
	switch {
	case err == nil:
		// Another instructor enabled it meanwhile; keep the newer tokens.
		if err := s.Store.UpdateTokens(ctx, temp.CourseID, tok.AccessToken, tok.RefreshToken); err != nil {
			return "", err
		}
		if err := s.Store.AddInstructor(ctx, temp.CourseID, temp.UID); err != nil {
			return "", err
		}
	case errors.Is(err, store.ErrNotFound):
		if err := s.Store.CreateCourse(ctx, store.Course{
			ID: temp.CourseID, LocalCourseID: temp.LocalCourseID, Domain: temp.Domain,
			AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken,
			Instructors: []string{temp.UID},
		}); err != nil {
			return "", fmt.Errorf("create course: %w", err)
		}
	default:
		return "", fmt.Errorf("load course: %w", err)
	}

	// The dispatcher fetches one on first use if this fails.
	if _, err := s.Tokens.RequestAGSToken(ctx, temp.CourseID); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("course_id", temp.CourseID).Msg("initial ags token")
	}
	if err := s.Store.AppendEvent(ctx, EventCourseEnabled, temp.CourseID, map[string]string{"uid": temp.UID}); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("append course event")
	}
	logging.Ctx(ctx).Info().Str("course_id", temp.CourseID).Str("uid", temp.UID).Msg("course enabled")

	return s.frontendRedirect(auth.Principal{UID: temp.UID, Role: rbac.RoleInstructor, CourseID: temp.CourseID, Name: temp.Name})
}

func (s *Service) frontendRedirect(p auth.Principal) (string, error) {
	tok, err := s.Auth.Issue(p)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	q := url.Values{}
	q.Set("token", tok)
	q.Set("courseId", p.CourseID)
	return s.Opts.FrontendURL + "/launch?" + q.Encode(), nil
}

// PublicJWKS lists the public half of every consumer's signing key.
func (s *Service) PublicJWKS(ctx context.Context) (jwks.JWKS, error) {
	cons, err := s.Store.ListConsumers(ctx)
	if err != nil {
		return jwks.JWKS{}, err
	}
	set := jwks.JWKS{Keys: []jwks.JWK{}}
	for _, c := range cons {
		if c.PrivateKey == "" {
			continue
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(c.PrivateKey))
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("domain", c.Domain).Msg("skipping unreadable consumer key")
			continue
		}
		set.Keys = append(set.Keys, jwks.FromRSA(&key.PublicKey, c.KeyID))
	}
	return set, nil
}
