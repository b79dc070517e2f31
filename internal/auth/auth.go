// Package auth verifies user credentials against an external HTTP
// authenticator, with a TTL credential cache that can answer while the
// authenticator is down.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrBadCredentials means the authenticator rejected the password.
	ErrBadCredentials = errors.New("auth: wrong password")
	// ErrUnavailable means the authenticator is unreachable and no cached
	// credential could answer.
	ErrUnavailable = errors.New("auth: authenticator unavailable")
)

// Result is a successful authentication.
type Result struct {
	UserID int64    `json:"user_id"`
	Name   string   `json:"name,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// Config controls the authenticator client.
type Config struct {
	// URL of the POST endpoint. Empty disables external auth; every user
	// then connects unregistered.
	URL                string
	Timeout            time.Duration
	CacheTTL           time.Duration
	AllowCacheFallback bool
}

// cachedCred is one remembered successful login. The password is kept only
// as a bcrypt hash.
type cachedCred struct {
	hash    []byte
	result  Result
	expires time.Time
}

// Authenticator is safe for concurrent use by every client goroutine of an
// edge.
type Authenticator struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedCred

	breaker breaker
}

func New(cfg Config, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Authenticator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		cache:  make(map[string]cachedCred),
		breaker: breaker{
			tripAfter: 3,
			openFor:   30 * time.Second,
		},
	}
}

// request is the authenticator wire format.
type request struct {
	Username string `json:"username"`
	Password string `json:"password"`
	CertHash string `json:"cert_hash,omitempty"`
}

// Authenticate checks a password. A nil error with UserID < 0 means the
// user is valid but unregistered.
func (a *Authenticator) Authenticate(ctx context.Context, username, password, certHash string) (Result, error) {
	if a.cfg.URL == "" {
		return Result{UserID: -1, Name: username}, nil
	}

	if !a.breaker.allow() {
		return a.fallback(username, password, ErrUnavailable)
	}

	res, err := a.post(ctx, username, password, certHash)
	switch {
	case err == nil:
		a.breaker.succeed()
		a.remember(username, password, res)
		return res, nil
	case errors.Is(err, ErrBadCredentials):
		a.breaker.succeed() // the service answered; only the password failed
		a.forget(username)
		return Result{}, err
	default:
		a.breaker.fail()
		a.log.Warn("authenticator unreachable", "error", err)
		return a.fallback(username, password, err)
	}
}

func (a *Authenticator) post(ctx context.Context, username, password, certHash string) (Result, error) {
	body, err := json.Marshal(request{Username: username, Password: password, CertHash: certHash})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var res Result
		if derr := json.NewDecoder(resp.Body).Decode(&res); derr != nil {
			return Result{}, fmt.Errorf("auth: decode response: %w", derr)
		}
		return res, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return Result{}, ErrBadCredentials
	default:
		return Result{}, fmt.Errorf("auth: authenticator returned %s", resp.Status)
	}
}

// fallback answers from the cache when permitted, otherwise surfaces cause.
func (a *Authenticator) fallback(username, password string, cause error) (Result, error) {
	if !a.cfg.AllowCacheFallback {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}
	a.mu.Lock()
	cred, ok := a.cache[username]
	a.mu.Unlock()
	if !ok || time.Now().After(cred.expires) {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}
	if bcrypt.CompareHashAndPassword(cred.hash, []byte(password)) != nil {
		return Result{}, ErrBadCredentials
	}
	a.log.Info("authenticated from cache", "user", username)
	return cred.result, nil
}

func (a *Authenticator) remember(username, password string, res Result) {
	if a.cfg.CacheTTL <= 0 {
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.cache[username] = cachedCred{
		hash:    hash,
		result:  res,
		expires: time.Now().Add(a.cfg.CacheTTL),
	}
	a.mu.Unlock()
}

func (a *Authenticator) forget(username string) {
	a.mu.Lock()
	delete(a.cache, username)
	a.mu.Unlock()
}

// Sweep drops expired cache entries; call it periodically.
func (a *Authenticator) Sweep() int {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for name, cred := range a.cache {
		if now.After(cred.expires) {
			delete(a.cache, name)
			n++
		}
	}
	return n
}

// breaker is a minimal circuit breaker: trip after N consecutive failures,
// allow a probe after openFor, close again on the first success.
type breaker struct {
	tripAfter int
	openFor   time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.tripAfter {
		return true
	}
	if time.Since(b.openedAt) < b.openFor {
		return false
	}
	// Half-open: admit one probe at a time.
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

func (b *breaker) succeed() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
}

func (b *breaker) fail() {
	b.mu.Lock()
	b.failures++
	if b.failures >= b.tripAfter {
		b.openedAt = time.Now()
	}
	b.probing = false
	b.mu.Unlock()
}
