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
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/livelearn/livelearn/internal/logging"
	"github.com/livelearn/livelearn/internal/metrics"
	"github.com/livelearn/livelearn/internal/store"
)

const assertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// AGSScopes are requested for every service token.
var AGSScopes = []string{
	"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem",
	"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly",
	"https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly",
	"https://purl.imsglobal.org/spec/lti-ags/scope/score",
}

// TokenStore is the slice of persistence the token handler needs.
type TokenStore interface {
	GetCourse(ctx context.Context, id string) (store.Course, error)
	GetConsumer(ctx context.Context, domain string) (store.Consumer, error)
	UpdateAccessToken(ctx context.Context, courseID, token string) error
	UpdateAGSToken(ctx context.Context, courseID, token string) error
}

// Tokens is the result of an authorization-code exchange.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	UserID       string
	UserName     string
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
	} `json:"user"`

	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenHandler exchanges codes, refresh tokens and client assertions at the
// consumer's OAuth token endpoint.
type TokenHandler struct {
	Store       TokenStore
	HTTP        *http.Client
	RedirectURI string // must match the developer key's redirect URI
	Now         func() time.Time
}

func NewTokenHandler(st TokenStore, hc *http.Client, redirectURI string) *TokenHandler {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenHandler{Store: st, HTTP: hc, RedirectURI: redirectURI, Now: time.Now}
}

// RequestAccessToken exchanges an authorization code for API tokens.
func (h *TokenHandler) RequestAccessToken(ctx context.Context, code, domain string) (Tokens, error) {
	if code == "" || domain == "" {
		return Tokens{}, errors.New("canvas: code and domain required")
	}
	cons, err := h.Store.GetConsumer(ctx, domain)
	if err != nil {
		return Tokens{}, fmt.Errorf("consumer: %w", err)
	}
	tr, err := h.exchange(ctx, cons.TokenEndpoint(), "authorization_code", map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     cons.ClientID,
		"client_secret": cons.ClientSecret,
		"redirect_uri":  h.RedirectURI,
		"code":          code,
	})
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    tr.ExpiresIn,
		UserID:       tr.User.ID.String(),
		UserName:     tr.User.Name,
	}, nil
}

// RefreshAccessToken trades the course's refresh token for a new access
// token and stores it on the course.
func (h *TokenHandler) RefreshAccessToken(ctx context.Context, refreshToken, courseID, domain string) (string, error) {
	if refreshToken == "" {
		return "", fmt.Errorf("course %s has no refresh token: %w", courseID, ErrUnauthorized)
	}
	cons, err := h.Store.GetConsumer(ctx, domain)
	if err != nil {
		return "", fmt.Errorf("consumer: %w", err)
	}
	tr, err := h.exchange(ctx, cons.TokenEndpoint(), "refresh_token", map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     cons.ClientID,
		"client_secret": cons.ClientSecret,
		"refresh_token": refreshToken,
	})
	if err != nil {
		return "", err
	}
	if err := h.Store.UpdateAccessToken(ctx, courseID, tr.AccessToken); err != nil {
		return "", fmt.Errorf("persist access token: %w", err)
	}
	logging.Ctx(ctx).Info().Str("course_id", courseID).Msg("canvas access token refreshed")
	return tr.AccessToken, nil
}

// RequestAGSToken signs a client assertion with the consumer's private key,
// exchanges it for an AGS-scoped token and stores it on the course.
func (h *TokenHandler) RequestAGSToken(ctx context.Context, courseID string) (string, error) {
	course, err := h.Store.GetCourse(ctx, courseID)
	if err != nil {
		return "", fmt.Errorf("course: %w", err)
	}
	cons, err := h.Store.GetConsumer(ctx, course.Domain)
	if err != nil {
		return "", fmt.Errorf("consumer: %w", err)
	}
	assertion, err := h.clientAssertion(cons)
	if err != nil {
		return "", err
	}
	tr, err := h.exchange(ctx, cons.TokenEndpoint(), "client_credentials", map[string]string{
		"grant_type":            "client_credentials",
		"client_assertion_type": assertionTypeJWTBearer,
		"client_assertion":      assertion,
		"scope":                 strings.Join(AGSScopes, " "),
	})
	if err != nil {
		return "", err
	}
	if err := h.Store.UpdateAGSToken(ctx, courseID, tr.AccessToken); err != nil {
		return "", fmt.Errorf("persist ags token: %w", err)
	}
	logging.Ctx(ctx).Info().Str("course_id", courseID).Msg("canvas ags token issued")
	return tr.AccessToken, nil
}

func (h *TokenHandler) clientAssertion(cons store.Consumer) (string, error) {
	if cons.PrivateKey == "" || cons.LTIClientID == "" {
		return "", fmt.Errorf("consumer %s: signing key or lti client id not configured", cons.Domain)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cons.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("consumer %s: private key: %w", cons.Domain, err)
	}
	now := h.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    cons.LTIClientID,
		Subject:   cons.LTIClientID,
		Audience:  jwt.ClaimStrings{cons.TokenEndpoint()},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        uuid.NewString(),
	})
	if cons.KeyID != "" {
		tok.Header["kid"] = cons.KeyID
	}
	return tok.SignedString(key)
}

func (h *TokenHandler) exchange(ctx context.Context, tokenURL, grant string, body map[string]string) (tokenResponse, error) {
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(buf))
	if err != nil {
		return tokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.HTTP.Do(req)
	if err != nil {
		metrics.TokenExchanges.WithLabelValues(grant, "transport").Inc()
		return tokenResponse{}, fmt.Errorf("%s: %w", grant, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil && resp.StatusCode/100 == 2 {
		metrics.TokenExchanges.WithLabelValues(grant, "error").Inc()
		return tokenResponse{}, fmt.Errorf("%s: decode: %w", grant, err)
	}
	if tr.Error != "" {
		metrics.TokenExchanges.WithLabelValues(grant, "error").Inc()
		return tokenResponse{}, &OAuthError{Status: resp.StatusCode, Code: tr.Error, Description: tr.ErrorDescription}
	}
	if resp.StatusCode/100 != 2 {
		metrics.TokenExchanges.WithLabelValues(grant, "error").Inc()
		return tokenResponse{}, &OAuthError{Status: resp.StatusCode, Code: "http_" + fmt.Sprint(resp.StatusCode), Description: strings.TrimSpace(string(raw))}
	}
	if tr.AccessToken == "" {
		metrics.TokenExchanges.WithLabelValues(grant, "error").Inc()
		return tokenResponse{}, &OAuthError{Status: resp.StatusCode, Code: "empty_token", Description: "no access_token in response"}
	}
	metrics.TokenExchanges.WithLabelValues(grant, "ok").Inc()
	return tr, nil
}

func (h *TokenHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
