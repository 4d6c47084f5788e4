package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"binance-userstream-supervisor/internal/domain"
	"binance-userstream-supervisor/internal/metrics"
	"binance-userstream-supervisor/internal/normalizer"
	"binance-userstream-supervisor/internal/session"
	"binance-userstream-supervisor/internal/storage"
	binance "binance-userstream-supervisor/internal/transport/binance"
	"binance-userstream-supervisor/internal/vault"
	"binance-userstream-supervisor/pkg/backoff"
	"binance-userstream-supervisor/pkg/logger"
)

const testVaultKey = "0123456789abcdef0123456789abcdef"

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type memStore struct {
	mu    sync.Mutex
	creds map[string]domain.Credential
	flags map[string]domain.ConnectionFlag
	ops   map[string]map[string]domain.OperationRecord
}

func newMemStore() *memStore {
	return &memStore{
		creds: make(map[string]domain.Credential),
		flags: make(map[string]domain.ConnectionFlag),
		ops:   make(map[string]map[string]domain.OperationRecord),
	}
}

func (m *memStore) PutCredential(_ context.Context, cred domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.UserID] = cred
	return nil
}

func (m *memStore) GetCredential(_ context.Context, userID string) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[userID]
	if !ok {
		return domain.Credential{}, storage.ErrNotFound
	}
	return cred, nil
}

func (m *memStore) DeleteCredential(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, userID)
	return nil
}

func (m *memStore) SetConnected(_ context.Context, userID string, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flags[userID]
	f.UserID = userID
	f.Connected = connected
	m.flags[userID] = f
	return nil
}

func (m *memStore) SetTokenIssuedAt(_ context.Context, userID string, issuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flags[userID]
	f.UserID = userID
	f.TokenIssuedAt = issuedAt
	m.flags[userID] = f
	return nil
}

func (m *memStore) GetConnectionFlag(_ context.Context, userID string) (domain.ConnectionFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[userID], nil
}

func (m *memStore) ListConnected(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, f := range m.flags {
		if f.Connected {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) UpsertOperation(_ context.Context, userID string, rec domain.OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ops[userID] == nil {
		m.ops[userID] = make(map[string]domain.OperationRecord)
	}
	m.ops[userID][rec.OrderID] = rec
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) operations(userID string) map[string]domain.OperationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.OperationRecord, len(m.ops[userID]))
	for k, v := range m.ops[userID] {
		out[k] = v
	}
	return out
}

type fakeTokens struct {
	mu       sync.Mutex
	issues   int
	renews   int
	closes   int
	issueErr error
	renewErr error
}

func (f *fakeTokens) IssueListenKey(_ context.Context, apiKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return "", f.issueErr
	}
	f.issues++
	return fmt.Sprintf("lk-%d", f.issues), nil
}

func (f *fakeTokens) RenewListenKey(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	return f.renewErr
}

func (f *fakeTokens) CloseListenKey(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTokens) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renews
}

// fakeDialer hands out controllable streams and tracks how many are
// open at once.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	open    int
	maxOpen int
	last    *fakeStream
}

type fakeStream struct {
	ch   chan binance.RawFrame
	once sync.Once
	d    *fakeDialer
}

func (s *fakeStream) closeStream() {
	s.once.Do(func() {
		close(s.ch)
		s.d.mu.Lock()
		s.d.open--
		s.d.mu.Unlock()
	})
}

func (d *fakeDialer) Stream(ctx context.Context, listenKey string) (<-chan binance.RawFrame, error) {
	d.mu.Lock()
	d.dials++
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	st := &fakeStream{ch: make(chan binance.RawFrame, 64), d: d}
	d.last = st
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		st.closeStream()
	}()
	return st.ch, nil
}

func (d *fakeDialer) send(frame binance.RawFrame) {
	d.mu.Lock()
	st := d.last
	d.mu.Unlock()
	st.ch <- frame
}

// serverClose simulates the venue dropping the stream.
func (d *fakeDialer) serverClose() {
	d.mu.Lock()
	st := d.last
	d.mu.Unlock()
	st.closeStream()
}

func (d *fakeDialer) stats() (dials, open, maxOpen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, d.open, d.maxOpen
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	registry *session.Registry
	store    *memStore
	tokens   *fakeTokens
	dialer   *fakeDialer
	cancel   context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", DevMode: true})
	if err != nil {
		t.Fatal(err)
	}
	v, err := vault.New(testVaultKey)
	if err != nil {
		t.Fatal(err)
	}

	store := newMemStore()
	tokens := &fakeTokens{}
	dialer := &fakeDialer{}

	base, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := session.Config{
		RenewInterval: 25 * time.Millisecond,
		IssueBackoff:  backoff.Config{InitialInterval: 5 * time.Millisecond, MaxElapsedTime: 100 * time.Millisecond},
		UpsertBackoff: backoff.Config{InitialInterval: 5 * time.Millisecond, MaxElapsedTime: 100 * time.Millisecond},
	}
	reg := session.NewRegistry(base, cfg, session.Deps{
		Tokens:     tokens,
		Dialer:     dialer,
		Store:      store,
		Normalizer: normalizer.New(nil),
		Log:        log,
	}, v)

	return &harness{registry: reg, store: store, tokens: tokens, dialer: dialer, cancel: cancel}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestConnect_OpensSessionAndPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.registry.Connect(ctx, "u1", "key", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	st, ok := h.registry.Get("u1")
	if !ok || st.State != session.StateOpen {
		t.Fatalf("expected open session, got %+v (present=%v)", st, ok)
	}

	cred, err := h.store.GetCredential(ctx, "u1")
	if err != nil {
		t.Fatalf("credential not persisted: %v", err)
	}
	if !vault.IsSealed(cred.APISecretCipher) {
		t.Error("persisted secret must be sealed")
	}
	if cred.APISecretCipher == "secret" {
		t.Error("secret persisted in plaintext")
	}

	flag, _ := h.store.GetConnectionFlag(ctx, "u1")
	if !flag.Connected {
		t.Error("connected flag not set")
	}
	if flag.TokenIssuedAt.IsZero() {
		t.Error("token issue time not recorded")
	}
}

func TestConnect_Validation(t *testing.T) {
	h := newHarness(t)
	for _, tc := range [][3]string{{"", "k", "s"}, {"u", "", "s"}, {"u", "k", ""}} {
		err := h.registry.Connect(context.Background(), tc[0], tc[1], tc[2])
		if !errors.Is(err, session.ErrValidation) {
			t.Errorf("Connect(%q,%q,%q): expected ErrValidation, got %v", tc[0], tc[1], tc[2], err)
		}
	}
	if dials, _, _ := h.dialer.stats(); dials != 0 {
		t.Error("validation failure must not dial")
	}
}

func TestConnect_AuthErrorLeavesNoState(t *testing.T) {
	h := newHarness(t)
	h.tokens.issueErr = &binance.AuthError{Status: 401, Code: -2014, Msg: "bad key"}

	err := h.registry.Connect(context.Background(), "u1", "key", "secret")
	if err == nil {
		t.Fatal("expected error")
	}
	if !binance.IsAuth(err) {
		t.Fatalf("expected AuthError in chain, got %v", err)
	}
	if _, ok := h.registry.Get("u1"); ok {
		t.Error("no session must exist after auth failure")
	}
	flag, _ := h.store.GetConnectionFlag(context.Background(), "u1")
	if flag.Connected {
		t.Error("user must not be marked connected after auth failure")
	}
}

func TestConnect_ReplaceIsStopThenStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.registry.Connect(ctx, "u1", "key", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := h.registry.Connect(ctx, "u1", "key2", "secret2"); err != nil {
		t.Fatal(err)
	}

	dials, open, maxOpen := h.dialer.stats()
	if dials != 2 {
		t.Errorf("expected 2 dials, got %d", dials)
	}
	if open != 1 {
		t.Errorf("expected exactly 1 open stream, got %d", open)
	}
	if maxOpen != 1 {
		t.Errorf("replace must be stop-then-start: max concurrent streams was %d", maxOpen)
	}
}

func TestDisconnect_StopsEverythingDeterministically(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.registry.Connect(ctx, "u1", "key", "secret"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first renewal tick", func() bool { return h.tokens.renewCount() > 0 })

	if err := h.registry.Disconnect(ctx, "u1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	// after Disconnect returns, no timer from the old session may fire
	renewsAtDisconnect := h.tokens.renewCount()
	time.Sleep(100 * time.Millisecond)
	if got := h.tokens.renewCount(); got != renewsAtDisconnect {
		t.Errorf("renewal timer fired after disconnect: %d -> %d", renewsAtDisconnect, got)
	}

	if _, open, _ := h.dialer.stats(); open != 0 {
		t.Error("stream still open after disconnect")
	}
	if _, ok := h.registry.Get("u1"); ok {
		t.Error("session still registered after disconnect")
	}
	if _, err := h.store.GetCredential(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("credential must be deleted on disconnect")
	}
	flag, _ := h.store.GetConnectionFlag(ctx, "u1")
	if flag.Connected {
		t.Error("flag must be false after disconnect")
	}
}

func TestDisconnect_AbsentUserIsNoop(t *testing.T) {
	h := newHarness(t)
	if err := h.registry.Disconnect(context.Background(), "ghost"); err != nil {
		t.Errorf("disconnecting an absent user must be a no-op, got %v", err)
	}
}

func TestFrames_ConvergeToLatestSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.registry.Connect(ctx, "u1", "key", "secret"); err != nil {
		t.Fatal(err)
	}

	first := `{"e":"executionReport","E":1700000000000,"s":"BTCUSDT","S":"BUY","i":42,"z":"0.2","Z":"6000","X":"PARTIALLY_FILLED"}`
	second := `{"e":"executionReport","E":1700000001000,"s":"BTCUSDT","S":"BUY","i":42,"z":"0.5","Z":"15000","X":"FILLED"}`
	h.dialer.send(binance.RawFrame{Data: []byte(first), Type: "executionReport"})
	h.dialer.send(binance.RawFrame{Data: []byte(second), Type: "executionReport"})

	waitFor(t, "second frame persisted", func() bool {
		ops := h.store.operations("u1")
		rec, ok := ops["42"]
		return ok && rec.Status == "FILLED"
	})

	ops := h.store.operations("u1")
	if len(ops) != 1 {
		t.Fatalf("expected exactly one record per order id, got %d", len(ops))
	}
	rec := ops["42"]
	if rec.BaseAmount != 0.5 || rec.QuoteAmount != 15000 || rec.Rate != 30000 {
		t.Errorf("record must reflect the latest frame: %+v", rec)
	}
}

func TestRenewalFailure_RetriedPerTickWithoutClosingSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.tokens.renewErr = errors.New("venue unavailable")
	if err := h.registry.Connect(ctx, "u1", "key", "secret"); err != nil {
		t.Fatal(err)
	}

	// each tick retries the renewal despite the previous failure
	waitFor(t, "three failed renewal attempts", func() bool { return h.tokens.renewCount() >= 3 })

	st, ok := h.registry.Get("u1")
	if !ok || st.State != session.StateOpen {
		t.Fatalf("failed renewals must not close the session, got %+v (present=%v)", st, ok)
	}
	dials, open, _ := h.dialer.stats()
	if dials != 1 || open != 1 {
		t.Errorf("stream must stay open across failed renewals: dials=%d open=%d", dials, open)
	}
}

func TestMalformedFrame_DroppedAndCounted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.MalformedFrames)

	if err := h.registry.Connect(ctx, "u1", "key", "secret"); err != nil {
		t.Fatal(err)
	}

	h.dialer.send(binance.RawFrame{Data: []byte("{{{not json"), Type: binance.TypeMalformed})
	valid := `{"e":"executionReport","E":1700000000000,"s":"BTCUSDT","S":"BUY","i":9,"z":"1","Z":"100","X":"FILLED"}`
	h.dialer.send(binance.RawFrame{Data: []byte(valid), Type: "executionReport"})

	// the valid frame arriving after proves the malformed one was
	// dropped without taking the session down
	waitFor(t, "valid frame persisted", func() bool {
		_, ok := h.store.operations("u1")["9"]
		return ok
	})

	if got := testutil.ToFloat64(metrics.MalformedFrames); got != before+1 {
		t.Errorf("malformed frame counter: got %v, want %v", got, before+1)
	}
	if n := len(h.store.operations("u1")); n != 1 {
		t.Errorf("malformed frame must not produce a record: got %d records", n)
	}
	if st, ok := h.registry.Get("u1"); !ok || st.State != session.StateOpen {
		t.Errorf("session must stay open after a malformed frame, got %+v (present=%v)", st, ok)
	}
}

func TestUnexpectedClose_RestartsWhileFlagTrue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.registry.Connect(ctx, "u1", "key", "secret"); err != nil {
		t.Fatal(err)
	}

	h.dialer.serverClose()

	waitFor(t, "supervised restart", func() bool {
		dials, open, _ := h.dialer.stats()
		return dials == 2 && open == 1
	})
	st, ok := h.registry.Get("u1")
	if !ok || st.State != session.StateOpen {
		t.Fatalf("expected restarted open session, got %+v (present=%v)", st, ok)
	}
}

func TestUnexpectedClose_NoRestartAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.registry.Connect(ctx, "u1", "key", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := h.registry.Disconnect(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	dials, open, _ := h.dialer.stats()
	if dials != 1 || open != 0 {
		t.Errorf("disconnected user must not be restarted: dials=%d open=%d", dials, open)
	}
}

func TestConcurrentConnectDisconnect_AtMostOneSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.registry.Connect(ctx, "u1", "key", "secret")
		}()
		go func() {
			defer wg.Done()
			_ = h.registry.Disconnect(ctx, "u1")
		}()
	}
	wg.Wait()

	_, open, maxOpen := h.dialer.stats()
	if maxOpen > 1 {
		t.Errorf("at most one live session per user violated: max concurrent streams %d", maxOpen)
	}
	if open > 1 {
		t.Errorf("more than one stream left open: %d", open)
	}
}

func TestRecoverAll_IsolatesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, _ := vault.New(testVaultKey)

	for _, u := range []string{"u1", "u2", "u3"} {
		sealed, _ := v.Seal("secret-" + u)
		if err := h.store.PutCredential(ctx, domain.Credential{UserID: u, APIKey: "key-" + u, APISecretCipher: sealed}); err != nil {
			t.Fatal(err)
		}
		if err := h.store.SetConnected(ctx, u, true); err != nil {
			t.Fatal(err)
		}
	}
	// corrupt u2's stored blob
	cred, _ := h.store.GetCredential(ctx, "u2")
	cred.APISecretCipher = cred.APISecretCipher[:len(cred.APISecretCipher)-4] + "AAAA"
	_ = h.store.PutCredential(ctx, cred)

	started, failures := h.registry.RecoverAll(ctx)
	if started != 2 {
		t.Errorf("expected 2 recovered sessions, got %d", started)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %v", failures)
	}
	if _, ok := failures["u2"]; !ok {
		t.Errorf("expected failure for u2, got %v", failures)
	}
	if !errors.Is(failures["u2"], vault.ErrIntegrity) {
		t.Errorf("expected integrity error for corrupt blob, got %v", failures["u2"])
	}

	for _, u := range []string{"u1", "u3"} {
		st, ok := h.registry.Get(u)
		if !ok || st.State != session.StateOpen {
			t.Errorf("expected open session for %s, got %+v (present=%v)", u, st, ok)
		}
	}
	if _, ok := h.registry.Get("u2"); ok {
		t.Error("u2 must not have a session")
	}
}

func TestShutdown_StopsAllSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		if err := h.registry.Connect(ctx, u, "key", "secret"); err != nil {
			t.Fatal(err)
		}
	}
	h.registry.Shutdown(ctx)

	_, open, _ := h.dialer.stats()
	if open != 0 {
		t.Errorf("expected all streams closed, %d still open", open)
	}
	// flags stay true so boot recovery brings the users back
	for _, u := range []string{"u1", "u2", "u3"} {
		flag, _ := h.store.GetConnectionFlag(ctx, u)
		if !flag.Connected {
			t.Errorf("%s flag must survive shutdown", u)
		}
	}
}
