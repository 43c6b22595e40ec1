package http

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/livelearn/livelearn/internal/auth/jwks"
	"github.com/livelearn/livelearn/internal/logging"
	"github.com/livelearn/livelearn/internal/store"
)

const (
	canvasIssuer      = "https://canvas.instructure.com"
	canvasOIDCAuthURL = "https://sso.canvaslms.com/api/lti/authorize_redirect"
	canvasJWKSURL     = "https://sso.canvaslms.com/api/lti/security/jwks"
)

// AdminAuth guards admin routes with HTTP Basic auth checked against a
// bcrypt hash. An empty hash disables the admin API.
func AdminAuth(user, passHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, pw, ok := r.BasicAuth()
			if !ok || passHash == "" ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(passHash), []byte(pw)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="livelearn-admin"`)
				respondError(w, r, errNoAuth)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type consumerReq struct {
	Domain       string `json:"domain" validate:"required,hostname|hostname_port"`
	BaseURL      string `json:"baseUrl" validate:"omitempty,url"`
	Issuer       string `json:"issuer" validate:"omitempty,url"`
	ClientID     string `json:"clientId" validate:"required"`
	ClientSecret string `json:"clientSecret" validate:"required"`
	LTIClientID  string `json:"ltiClientId" validate:"required"`
	DeploymentID string `json:"deploymentId"`
	AuthURL      string `json:"authUrl" validate:"omitempty,url"`
	JWKSURL      string `json:"jwksUrl" validate:"omitempty,url"`
	TokenURL     string `json:"tokenUrl" validate:"omitempty,url"`
	KeyID        string `json:"keyId"`
	PrivateKey   string `json:"privateKey"`
}

// newSigningKey returns a PKCS#8 PEM RSA-2048 key.
func newSigningKey() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// POST /v1/admin/consumers
func UpsertConsumerHandler(st store.Consumers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req consumerReq
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}
		c := store.Consumer{
			Domain:       strings.ToLower(strings.TrimSpace(req.Domain)),
			BaseURL:      strings.TrimSuffix(req.BaseURL, "/"),
			Issuer:       req.Issuer,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			LTIClientID:  req.LTIClientID,
			DeploymentID: req.DeploymentID,
			AuthURL:      req.AuthURL,
			JWKSURL:      req.JWKSURL,
			TokenURL:     req.TokenURL,
			KeyID:        req.KeyID,
			PrivateKey:   req.PrivateKey,
		}
		if c.Issuer == "" {
			c.Issuer = canvasIssuer
		}
		if c.Issuer == canvasIssuer {
			if c.AuthURL == "" {
				c.AuthURL = canvasOIDCAuthURL
			}
			if c.JWKSURL == "" {
				c.JWKSURL = canvasJWKSURL
			}
		}
		if c.AuthURL == "" || c.JWKSURL == "" {
			respondError(w, r, fmt.Errorf("%w: authUrl and jwksUrl are required for issuer %s", errInvalid, c.Issuer))
			return
		}

		if c.PrivateKey == "" {
			pemKey, err := newSigningKey()
			if err != nil {
				respondError(w, r, err)
				return
			}
			c.PrivateKey = pemKey
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(c.PrivateKey))
		if err != nil {
			respondError(w, r, fmt.Errorf("%w: privateKey: %v", errInvalid, err))
			return
		}
		if c.KeyID == "" {
			c.KeyID = uuid.NewString()
		}

		if err := st.PutConsumer(r.Context(), c); err != nil {
			respondError(w, r, err)
			return
		}
		logging.Ctx(r.Context()).Info().Str("domain", c.Domain).Str("kid", c.KeyID).Msg("consumer saved")
		writeJSON(w, http.StatusCreated, map[string]any{
			"consumer":  c,
			"publicJwk": jwks.FromRSA(&key.PublicKey, c.KeyID),
		})
	}
}

// GET /v1/admin/consumers. Secrets and keys never leave the server.
func ListConsumersHandler(st store.Consumers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := st.ListConsumers(r.Context())
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}
