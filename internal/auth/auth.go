// Package auth issues and verifies the app's own bearer tokens. They are
// minted after a successful LTI launch and carry the launch role and course.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "livelearn"

var ErrInvalidToken = errors.New("invalid token")

type AuthService struct {
	hmac []byte
	ttl  time.Duration
	now  func() time.Time
}

func NewAuthService(secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &AuthService{hmac: []byte(secret), ttl: ttl, now: time.Now}
}

type Claims struct {
	Role     string `json:"role"` // instructor|student
	CourseID string `json:"course_id"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UID      string
	Role     string
	CourseID string
	Name     string
}

func (a *AuthService) Issue(p Principal) (string, error) {
	now := a.now()
	claims := &Claims{
		Role:     p.Role,
		CourseID: p.CourseID,
		Name:     p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.hmac)
}

func (a *AuthService) Parse(tokenStr string) (Principal, error) {
	var c Claims
	token, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (any, error) {
		return a.hmac, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return Principal{}, errors.Join(ErrInvalidToken, err)
	}
	if c.Subject == "" || c.Role == "" || c.CourseID == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UID: c.Subject, Role: c.Role, CourseID: c.CourseID, Name: c.Name}, nil
}
