// Package jwks serves the tool's public signing keys and caches the
// platform key sets used to verify launch id_tokens.
package jwks

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"
)

var ErrKeyNotFound = errors.New("jwks: key not found")

type JWK struct {
	Kty string `json:"kty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

// FromRSA builds the public JWK for pub.
func FromRSA(pub *rsa.PublicKey, kid string) JWK {
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Alg: "RS256",
		Use: "sig",
		N:   b64(pub.N.Bytes()),
		E:   b64(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// RSA decodes an RSA JWK into a public key.
func (k JWK) RSA() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("jwks: kid %q: unsupported kty %q", k.Kid, k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("jwks: kid %q: modulus: %w", k.Kid, err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("jwks: kid %q: exponent: %w", k.Kid, err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 {
		return nil, fmt.Errorf("jwks: kid %q: bad key parameters", k.Kid)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

// Handler serves the set returned by load with caching headers and ETag.
func Handler(load func(ctx context.Context) (JWKS, error), maxAge time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set, err := load(r.Context())
		if err != nil {
			http.Error(w, "jwks unavailable", http.StatusInternalServerError)
			return
		}
		if set.Keys == nil {
			set.Keys = []JWK{}
		}
		payload, err := json.Marshal(set)
		if err != nil {
			http.Error(w, "jwks unavailable", http.StatusInternalServerError)
			return
		}
		sum := sha256.Sum256(payload)
		etag := `W/"` + b64(sum[:16]) + `"`
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write(payload)
	}
}

type cached struct {
	set     JWKS
	fetched time.Time
}

// Cache fetches remote key sets and keeps them for TTL. An unknown kid
// forces one refetch so platform key rotation is picked up.
type Cache struct {
	HTTP *http.Client
	TTL  time.Duration
	Now  func() time.Time

	mu   sync.Mutex
	sets map[string]cached
}

func NewCache(hc *http.Client, ttl time.Duration) *Cache {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Cache{HTTP: hc, TTL: ttl, Now: time.Now, sets: map[string]cached{}}
}

// Key returns the RSA key kid from the set at url. An empty kid matches
// the only key of a single-key set.
func (c *Cache) Key(ctx context.Context, url, kid string) (*rsa.PublicKey, error) {
	set, fresh, err := c.get(ctx, url, false)
	if err != nil {
		return nil, err
	}
	if k, ok := pick(set, kid); ok {
		return k.RSA()
	}
	if fresh {
		return nil, fmt.Errorf("%w: %q at %s", ErrKeyNotFound, kid, url)
	}
	set, _, err = c.get(ctx, url, true)
	if err != nil {
		return nil, err
	}
	if k, ok := pick(set, kid); ok {
		return k.RSA()
	}
	return nil, fmt.Errorf("%w: %q at %s", ErrKeyNotFound, kid, url)
}

func pick(set JWKS, kid string) (JWK, bool) {
	if kid == "" && len(set.Keys) == 1 {
		return set.Keys[0], true
	}
	for _, k := range set.Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return JWK{}, false
}

// get returns the set and whether it was fetched by this call.
func (c *Cache) get(ctx context.Context, url string, force bool) (JWKS, bool, error) {
	now := c.Now()
	c.mu.Lock()
	e, ok := c.sets[url]
	c.mu.Unlock()
	if ok && !force && now.Sub(e.fetched) < c.TTL {
		return e.set, false, nil
	}

	set, err := c.fetch(ctx, url)
	if err != nil {
		return JWKS{}, false, err
	}
	c.mu.Lock()
	c.sets[url] = cached{set: set, fetched: now}
	c.mu.Unlock()
	return set, true, nil
}

func (c *Cache) fetch(ctx context.Context, url string) (JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return JWKS{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return JWKS{}, fmt.Errorf("jwks fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return JWKS{}, fmt.Errorf("jwks fetch %s: %s", url, resp.Status)
	}
	var set JWKS
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return JWKS{}, fmt.Errorf("jwks decode %s: %w", url, err)
	}
	return set, nil
}
