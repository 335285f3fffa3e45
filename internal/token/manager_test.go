package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lingokit/lingokit/internal/breaker"
	"github.com/lingokit/lingokit/internal/client"
)

const testSecret = "test-shared-secret"

// mintJWT builds a structurally valid three-segment credential with the
// given subject claim. The signature segment is opaque filler; this layer
// never verifies signatures.
func mintJWT(t *testing.T, sub string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(map[string]any{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

// issuerServer fakes the remote token authority.
type issuerServer struct {
	*httptest.Server
	hits      atomic.Int64
	subject   string // subject embedded in minted tokens
	expiresIn int64
	delay     time.Duration
}

func newIssuerServer(t *testing.T, subject string, expiresIn int64) *issuerServer {
	t.Helper()
	cipher, err := NewCipher(testSecret)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	is := &issuerServer{subject: subject, expiresIn: expiresIn}
	is.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.hits.Add(1)
		if is.delay > 0 {
			time.Sleep(is.delay)
		}

		var req issueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		sub := is.subject
		if sub == "" {
			sub = req.UserID
		}
		encrypted, err := cipher.Encrypt([]byte(mintJWT(t, sub)))
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(issueResponse{
			EncryptedToken: encrypted,
			ExpiresIn:      is.expiresIn,
			IssuedAt:       time.Now().Unix(),
		})
	}))
	t.Cleanup(is.Server.Close)
	return is
}

func newTestManager(t *testing.T, endpoint string, refreshThreshold time.Duration) *Manager {
	t.Helper()
	c := client.New(client.Config{
		Dependency: "token-issuer",
		MaxRetries: 0,
		BaseDelay:  time.Millisecond,
		Timeout:    time.Second,
		Breaker: breaker.Config{
			FailureThreshold: 100,
			Timeout:          time.Second,
			SuccessThreshold: 1,
		},
	}, breaker.NewRegistry(), nil)

	m, err := NewManager(Config{
		Endpoint:         endpoint,
		SharedSecret:     testSecret,
		RefreshThreshold: refreshThreshold,
	}, c)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestRequestTokenStoresAndReturns(t *testing.T) {
	srv := newIssuerServer(t, "", 3600)
	m := newTestManager(t, srv.URL, 0)

	info, err := m.RequestToken(context.Background(), "room-1", "user-1", "agent-1", "caller-cred")
	if err != nil {
		t.Fatalf("RequestToken failed: %v", err)
	}
	if info.SubjectID != "user-1" || info.ScopeID != "room-1" || info.IssuerID != "agent-1" {
		t.Fatalf("unexpected identity fields: %+v", info)
	}
	if !info.ExpiresAt.After(info.IssuedAt) {
		t.Fatal("expected issuedAt < expiresAt")
	}
	if err := checkStructure(info.Credential); err != nil {
		t.Fatalf("stored credential malformed: %v", err)
	}

	// Cached: next GetValidToken must not hit the issuer
	before := srv.hits.Load()
	cred, err := m.GetValidToken(context.Background(), "room-1", "user-1", "agent-1", "caller-cred")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if cred != info.Credential {
		t.Fatal("expected cached credential returned")
	}
	if srv.hits.Load() != before {
		t.Fatal("cached token must not trigger a remote call")
	}
}

func TestRequestTokenRejectsWrongSubject(t *testing.T) {
	srv := newIssuerServer(t, "someone-else", 3600)
	m := newTestManager(t, srv.URL, 0)

	_, err := m.RequestToken(context.Background(), "room-1", "user-1", "agent-1", "caller-cred")
	if err == nil {
		t.Fatal("expected subject mismatch error")
	}
	if m.GetStats().Total != 0 {
		t.Fatal("invalid token must not be cached")
	}
}

func TestGetValidTokenNeverReturnsExpired(t *testing.T) {
	srv := newIssuerServer(t, "", 3600)
	m := newTestManager(t, srv.URL, 0)

	// Seed an expired entry directly
	key := Key{Scope: "room-1", Subject: "user-1", Issuer: "agent-1"}
	m.mu.Lock()
	m.tokens[key] = &Info{
		Credential: mintJWT(t, "user-1"),
		IssuedAt:   time.Now().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().Add(-time.Hour),
		SubjectID:  "user-1", IssuerID: "agent-1", ScopeID: "room-1",
	}
	m.mu.Unlock()

	cred, err := m.GetValidToken(context.Background(), "room-1", "user-1", "agent-1", "caller-cred")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if srv.hits.Load() != 1 {
		t.Fatal("expired cache entry must trigger a synchronous refresh")
	}
	if err := m.validate(&Info{Credential: cred, ExpiresAt: time.Now().Add(time.Minute)}, "user-1"); err != nil {
		t.Fatalf("returned credential not usable: %v", err)
	}
}

func TestGetValidTokenTreatsMalformedAsAbsent(t *testing.T) {
	srv := newIssuerServer(t, "", 3600)
	m := newTestManager(t, srv.URL, 0)

	key := Key{Scope: "room-1", Subject: "user-1", Issuer: "agent-1"}
	m.mu.Lock()
	m.tokens[key] = &Info{
		Credential: "not-a-jwt",
		IssuedAt:   time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	m.mu.Unlock()

	_, err := m.GetValidToken(context.Background(), "room-1", "user-1", "agent-1", "caller-cred")
	if err != nil {
		t.Fatalf("malformed cache entry should refresh, not error: %v", err)
	}
	if srv.hits.Load() != 1 {
		t.Fatal("expected remote call for malformed cached token")
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	srv := newIssuerServer(t, "", 3600)
	m := newTestManager(t, srv.URL, 10*time.Minute)

	// Seed a valid token inside the refresh threshold
	stale := mintJWT(t, "user-1")
	seededExpiry := time.Now().Add(5 * time.Minute)
	key := Key{Scope: "room-1", Subject: "user-1", Issuer: "agent-1"}
	m.mu.Lock()
	m.tokens[key] = &Info{
		Credential: stale,
		IssuedAt:   time.Now().Add(-50 * time.Minute),
		ExpiresAt:  seededExpiry,
		SubjectID:  "user-1", IssuerID: "agent-1", ScopeID: "room-1",
	}
	m.mu.Unlock()

	cred, err := m.GetValidToken(context.Background(), "room-1", "user-1", "agent-1", "caller-cred")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if cred != stale {
		t.Fatal("still-valid token must be returned immediately")
	}

	// The background refresh replaces the cache entry. The refreshed
	// credential bytes can be identical to the seeded ones (same subject,
	// second-granularity exp), so watch the entry's expiry: the issuer
	// grants a fresh hour, the seed had five minutes left.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		expiry := m.tokens[key].ExpiresAt
		m.mu.Unlock()
		if expiry.After(seededExpiry.Add(time.Minute)) {
			if srv.hits.Load() == 0 {
				t.Fatal("entry replaced without a remote refresh call")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected background refresh to replace the cached token")
}

func TestInFlightDeduplication(t *testing.T) {
	srv := newIssuerServer(t, "", 3600)
	srv.delay = 50 * time.Millisecond
	m := newTestManager(t, srv.URL, 0)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.RequestToken(context.Background(), "room-1", "user-1", "agent-1", "caller-cred")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("concurrent callers must share one remote call, got %d", got)
	}

	// The pending marker is cleared: a later request goes remote again
	if _, err := m.RequestToken(context.Background(), "room-1", "user-1", "agent-1", "caller-cred"); err != nil {
		t.Fatalf("follow-up request failed: %v", err)
	}
	if got := srv.hits.Load(); got != 2 {
		t.Fatalf("expected pending marker cleared after settle, hits=%d", got)
	}
}

func TestCleanupExpiredTokens(t *testing.T) {
	srv := newIssuerServer(t, "", 3600)
	m := newTestManager(t, srv.URL, 0)

	m.mu.Lock()
	m.tokens[Key{Scope: "r1", Subject: "u1", Issuer: "a1"}] = &Info{
		Credential: mintJWT(t, "u1"), ExpiresAt: time.Now().Add(-time.Minute),
	}
	m.tokens[Key{Scope: "r2", Subject: "u2", Issuer: "a1"}] = &Info{
		Credential: mintJWT(t, "u2"), ExpiresAt: time.Now().Add(time.Hour),
	}
	m.mu.Unlock()

	if removed := m.CleanupExpiredTokens(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if m.GetStats().Total != 1 {
		t.Fatalf("expected 1 remaining, got %d", m.GetStats().Total)
	}
}

func TestStatsAndStatuses(t *testing.T) {
	srv := newIssuerServer(t, "", 3600)
	m := newTestManager(t, srv.URL, 10*time.Minute)

	now := time.Now()
	m.mu.Lock()
	m.tokens[Key{Scope: "r1", Subject: "u1", Issuer: "a1"}] = &Info{
		Credential: mintJWT(t, "u1"), ExpiresAt: now.Add(-time.Minute),
	}
	m.tokens[Key{Scope: "r2", Subject: "u2", Issuer: "a1"}] = &Info{
		Credential: mintJWT(t, "u2"), ExpiresAt: now.Add(5 * time.Minute),
	}
	m.tokens[Key{Scope: "r3", Subject: "u3", Issuer: "a1"}] = &Info{
		Credential: mintJWT(t, "u3"), ExpiresAt: now.Add(time.Hour),
	}
	m.mu.Unlock()

	s := m.GetStats()
	if s.Total != 3 || s.Expired != 1 || s.Valid != 2 || s.NeedsRefresh != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}

	statuses := m.GetTokenStatuses()
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	for _, st := range statuses {
		if st.Scope == "r2" && (!st.Valid || !st.NeedsRefresh) {
			t.Fatalf("near-expiry token misclassified: %+v", st)
		}
		if st.Scope == "r1" && st.Valid {
			t.Fatalf("expired token misclassified: %+v", st)
		}
	}
}

func TestClearToken(t *testing.T) {
	srv := newIssuerServer(t, "", 3600)
	m := newTestManager(t, srv.URL, 0)

	if _, err := m.RequestToken(context.Background(), "room-1", "user-1", "agent-1", "cred"); err != nil {
		t.Fatalf("RequestToken failed: %v", err)
	}
	if !m.ClearToken("room-1", "user-1", "agent-1") {
		t.Fatal("expected token cleared")
	}
	if m.ClearToken("room-1", "user-1", "agent-1") {
		t.Fatal("second clear should report absent")
	}
}
