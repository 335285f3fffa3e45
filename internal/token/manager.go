// Package token manages short-lived delegated credentials that let the
// tutoring agent act as an end user inside a named session room. Tokens are
// fetched from the remote issuer over the resilient client (fail mode: a
// credential cannot be mocked or served stale from a cache), decrypted from
// their transport form, validated, and cached per (scope, subject, issuer).
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lingokit/lingokit/internal/client"
	"github.com/lingokit/lingokit/internal/logging"
	"github.com/lingokit/lingokit/internal/metrics"
)

// Info holds one delegated credential and its lifecycle metadata. Entries
// are replaced whole, never edited in place.
type Info struct {
	Credential string    `json:"-"`          // decrypted JWT material
	Encrypted  string    `json:"-"`          // transport form as received
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	SubjectID  string    `json:"subject_id"`
	IssuerID   string    `json:"issuer_id"`
	ScopeID    string    `json:"scope_id"`
}

// Key identifies a cached token.
type Key struct {
	Scope   string
	Subject string
	Issuer  string
}

// Config holds token manager configuration.
type Config struct {
	Endpoint         string        // issuer endpoint (POST)
	SharedSecret     string        // symmetric secret agreed with the issuer
	RefreshThreshold time.Duration // remaining validity that triggers background refresh
}

// DefaultRefreshThreshold is how close to expiry a token may get before a
// background refresh is kicked off.
const DefaultRefreshThreshold = 2 * time.Minute

// Manager issues, validates, refreshes and caches delegated credentials.
type Manager struct {
	cfg    Config
	client *client.Client
	cipher *Cipher

	mu      sync.Mutex
	tokens  map[Key]*Info
	pending map[Key]*pendingRequest
}

// pendingRequest lets concurrent requesters of the same key share one
// outstanding remote call.
type pendingRequest struct {
	done chan struct{}
	info *Info
	err  error
}

// NewManager creates a token manager. c must be configured for the issuer
// dependency; degradation is forced to fail regardless of request settings.
func NewManager(cfg Config, c *client.Client) (*Manager, error) {
	cipher, err := NewCipher(cfg.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = DefaultRefreshThreshold
	}
	return &Manager{
		cfg:     cfg,
		client:  c,
		cipher:  cipher,
		tokens:  make(map[Key]*Info),
		pending: make(map[Key]*pendingRequest),
	}, nil
}

// issueRequest is the wire shape expected by the issuer.
type issueRequest struct {
	RoomName string `json:"room_name"`
	UserID   string `json:"user_id"`
	AgentID  string `json:"agent_id"`
}

// issueResponse is the issuer's reply.
type issueResponse struct {
	EncryptedToken string `json:"encrypted_token"`
	ExpiresIn      int64  `json:"expires_in"` // seconds
	IssuedAt       int64  `json:"issued_at"`  // unix seconds
}

// RequestToken fetches a fresh credential from the issuer for
// (scope, subject, issuer) and caches it. Concurrent callers for the same
// key share a single outstanding request; the pending marker is cleared
// once the request settles, success or failure.
func (m *Manager) RequestToken(ctx context.Context, scope, subject, issuer, callerCredential string) (*Info, error) {
	key := Key{Scope: scope, Subject: subject, Issuer: issuer}

	m.mu.Lock()
	if p, ok := m.pending[key]; ok {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.info, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pendingRequest{done: make(chan struct{})}
	m.pending[key] = p
	m.mu.Unlock()

	info, err := m.fetch(ctx, key, callerCredential)
	metrics.RecordTokenRequest(err == nil)

	m.mu.Lock()
	p.info, p.err = info, err
	delete(m.pending, key)
	if err == nil {
		m.tokens[key] = info
	}
	cached := len(m.tokens)
	m.mu.Unlock()
	close(p.done)
	metrics.SetTokensCached(cached)

	return info, err
}

// fetch performs the remote issue call, decrypts and validates the result.
func (m *Manager) fetch(ctx context.Context, key Key, callerCredential string) (*Info, error) {
	body, err := json.Marshal(issueRequest{RoomName: key.Scope, UserID: key.Subject, AgentID: key.Issuer})
	if err != nil {
		return nil, fmt.Errorf("encode token request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+callerCredential)

	resp, err := m.client.Execute(ctx, &client.Request{
		Method:          http.MethodPost,
		URL:             m.cfg.Endpoint,
		Header:          header,
		Body:            body,
		DegradationMode: client.DegradeFail,
	})
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}

	var issued issueResponse
	if err := json.Unmarshal(resp.Body, &issued); err != nil {
		return nil, fmt.Errorf("decode issuer response: %w", err)
	}
	if issued.EncryptedToken == "" {
		return nil, fmt.Errorf("issuer response missing encrypted_token")
	}

	credential, err := m.cipher.Decrypt(issued.EncryptedToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt token: %w", err)
	}

	issuedAt := time.Unix(issued.IssuedAt, 0)
	if issued.IssuedAt == 0 {
		issuedAt = time.Now()
	}
	info := &Info{
		Credential: string(credential),
		Encrypted:  issued.EncryptedToken,
		IssuedAt:   issuedAt,
		ExpiresAt:  issuedAt.Add(time.Duration(issued.ExpiresIn) * time.Second),
		SubjectID:  key.Subject,
		IssuerID:   key.Issuer,
		ScopeID:    key.Scope,
	}

	if err := m.validate(info, key.Subject); err != nil {
		return nil, fmt.Errorf("issued token invalid: %w", err)
	}
	return info, nil
}

// validate applies the usability rules for credential material: not
// expired, structurally well-formed, embedded subject matches.
func (m *Manager) validate(info *Info, expectedSubject string) error {
	if info == nil {
		return fmt.Errorf("no token")
	}
	if !info.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("token expired at %s", info.ExpiresAt.Format(time.RFC3339))
	}
	if err := checkStructure(info.Credential); err != nil {
		return err
	}
	sub, err := embeddedSubject(info.Credential)
	if err != nil {
		return err
	}
	if sub != expectedSubject {
		return fmt.Errorf("token subject %q does not match expected %q", sub, expectedSubject)
	}
	return nil
}

// GetValidToken returns the raw credential for (scope, subject, issuer),
// requesting a new one synchronously when the cached token is missing,
// expired, or malformed. A cached token inside the refresh threshold is
// returned immediately while a best-effort background refresh replaces it;
// refresh failures are logged and dropped.
func (m *Manager) GetValidToken(ctx context.Context, scope, subject, issuer, callerCredential string) (string, error) {
	key := Key{Scope: scope, Subject: subject, Issuer: issuer}

	m.mu.Lock()
	info := m.tokens[key]
	m.mu.Unlock()

	if info != nil && m.validate(info, subject) == nil {
		if time.Until(info.ExpiresAt) <= m.cfg.RefreshThreshold {
			go m.backgroundRefresh(key, callerCredential)
		}
		return info.Credential, nil
	}

	fresh, err := m.RequestToken(ctx, scope, subject, issuer, callerCredential)
	if err != nil {
		return "", err
	}
	return fresh.Credential, nil
}

// backgroundRefresh replaces a near-expiry token. The pending map inside
// RequestToken keeps concurrent refreshes for the same key collapsed to
// one remote call.
func (m *Manager) backgroundRefresh(key Key, callerCredential string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := m.RequestToken(ctx, key.Scope, key.Subject, key.Issuer, callerCredential); err != nil {
		logging.Op().Warn("background token refresh failed",
			"scope", key.Scope, "subject", key.Subject, "issuer", key.Issuer, "error", err)
	}
}

// ClearToken drops the cached token for a key. Returns true if one existed.
func (m *Manager) ClearToken(scope, subject, issuer string) bool {
	key := Key{Scope: scope, Subject: subject, Issuer: issuer}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tokens[key]
	delete(m.tokens, key)
	metrics.SetTokensCached(len(m.tokens))
	return ok
}

// CleanupExpiredTokens sweeps expired entries and returns the count removed.
func (m *Manager) CleanupExpiredTokens() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, info := range m.tokens {
		if !info.ExpiresAt.After(now) {
			delete(m.tokens, key)
			removed++
		}
	}
	metrics.SetTokensCached(len(m.tokens))
	return removed
}

// Stats summarizes cached token health for the health monitor.
type Stats struct {
	Total        int `json:"total"`
	Valid        int `json:"valid"`
	Expired      int `json:"expired"`
	NeedsRefresh int `json:"needs_refresh"`
}

// GetStats counts cached tokens by lifecycle bucket.
func (m *Manager) GetStats() Stats {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	s.Total = len(m.tokens)
	for _, info := range m.tokens {
		switch {
		case !info.ExpiresAt.After(now):
			s.Expired++
		case time.Until(info.ExpiresAt) <= m.cfg.RefreshThreshold:
			s.NeedsRefresh++
			s.Valid++
		default:
			s.Valid++
		}
	}
	return s
}

// Status describes one cached token for observability.
type Status struct {
	Scope        string    `json:"scope"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Valid        bool      `json:"valid"`
	NeedsRefresh bool      `json:"needs_refresh"`
}

// GetTokenStatuses lists the lifecycle state of every cached token.
func (m *Manager) GetTokenStatuses() []Status {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]Status, 0, len(m.tokens))
	for key, info := range m.tokens {
		valid := info.ExpiresAt.After(now)
		statuses = append(statuses, Status{
			Scope:        key.Scope,
			Subject:      key.Subject,
			Issuer:       key.Issuer,
			IssuedAt:     info.IssuedAt,
			ExpiresAt:    info.ExpiresAt,
			Valid:        valid,
			NeedsRefresh: valid && time.Until(info.ExpiresAt) <= m.cfg.RefreshThreshold,
		})
	}
	return statuses
}
