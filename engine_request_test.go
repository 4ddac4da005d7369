package storageaccess

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

type stubActivation struct {
	active bool
}

func (s *stubActivation) IsActive(context.Context, Document) bool {
	return s.active
}

type stubDialog struct {
	mu       sync.Mutex
	decision DialogDecision
	err      error
	calls    int
	// onShow runs while the dialog is open, before the decision returns.
	onShow func()
}

func (s *stubDialog) Show(_ context.Context, _, _ string) (DialogDecision, error) {
	s.mu.Lock()
	s.calls++
	hook := s.onShow
	decision, err := s.decision, s.err
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return decision, err
}

func (s *stubDialog) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newStorageEngine(t *testing.T, activation *stubActivation, dialog *stubDialog) (*Engine, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)

	engine, err := New().
		WithRedis(rdb).
		WithUserActivation(activation).
		WithConsentDialog(dialog).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return engine, func() {
		engine.Close()
		mr.Close()
	}
}

func permitPolicy(t *testing.T, engine *Engine, idpOrigin string, policy Policy) {
	t.Helper()

	doc := Document{Origin: idpOrigin, ID: "idp-ctx"}
	if err := engine.PermitAccessFrom(context.Background(), doc, idpOrigin, policy); err != nil {
		t.Fatalf("PermitAccessFrom failed: %v", err)
	}
}

func TestRequestAccessNoPolicyDeniedWithoutDialog(t *testing.T) {
	dialog := &stubDialog{decision: DialogAccepted}
	engine, done := newStorageEngine(t, &stubActivation{active: true}, dialog)
	defer done()

	granted, err := engine.RequestAccess(context.Background(), Document{Origin: "https://app.example", ID: "d1"}, "https://login.idp.test")
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	if granted {
		t.Fatal("expected denial when no policy is stored")
	}
	if dialog.Calls() != 0 {
		t.Fatalf("expected no dialog, got %d calls", dialog.Calls())
	}
	if got := engine.PendingRequests(); got != 1 {
		t.Fatalf("expected 1 pending request, got %d", got)
	}
}

func TestRequestAccessAllowAllGrants(t *testing.T) {
	dialog := &stubDialog{decision: DialogAccepted}
	engine, done := newStorageEngine(t, &stubActivation{active: true}, dialog)
	defer done()

	permitPolicy(t, engine, "https://login.idp.test", AllowAll())

	granted, err := engine.RequestAccess(context.Background(), Document{Origin: "https://app.example", ID: "d1"}, "https://login.idp.test")
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	if !granted {
		t.Fatal("expected grant")
	}
	if dialog.Calls() != 1 {
		t.Fatalf("expected exactly one dialog, got %d", dialog.Calls())
	}

	status, err := engine.Query(context.Background(), "https://app.example", "https://login.idp.test")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if !status.Granted {
		t.Fatal("expected durable grant")
	}
	if status.ConsentOrigin != "https://app.example" {
		t.Fatalf("expected consent origin https://app.example, got %q", status.ConsentOrigin)
	}
	if got := engine.PendingRequests(); got != 0 {
		t.Fatalf("expected pending request resolved, got %d", got)
	}
}

func TestRequestAccessSiteListMatchesAtSiteGranularity(t *testing.T) {
	dialog := &stubDialog{decision: DialogAccepted}
	engine, done := newStorageEngine(t, &stubActivation{active: true}, dialog)
	defer done()

	permitPolicy(t, engine, "https://login.idp.test", SiteList("https://x.example"))

	// Subdomain of a listed site collapses to the same registrable domain.
	granted, err := engine.RequestAccess(context.Background(), Document{Origin: "https://a.x.example", ID: "d1"}, "https://login.idp.test")
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	if !granted {
		t.Fatal("expected subdomain of listed site to be accepted")
	}

	granted, err = engine.RequestAccess(context.Background(), Document{Origin: "https://other.example", ID: "d2"}, "https://login.idp.test")
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	if granted {
		t.Fatal("expected unlisted site to be denied")
	}
}

func TestRequestAccessSameSiteNoOp(t *testing.T) {
	dialog := &stubDialog{decision: DialogAccepted}
	engine, done := newStorageEngine(t, &stubActivation{active: true}, dialog)
	defer done()

	granted, err := engine.RequestAccess(context.Background(), Document{Origin: "https://app.example", ID: "d1"}, "https://sub.app.example")
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	if !granted {
		t.Fatal("expected same-site request to succeed")
	}
	if dialog.Calls() != 0 {
		t.Fatal("expected no dialog for same-site request")
	}

	// No durable grant is written for the no-op.
	status, err := engine.Query(context.Background(), "https://app.example", "https://sub.app.example")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if status.Granted {
		t.Fatal("expected no durable grant record for same-site no-op")
	}
}

func TestRequestAccessNoActivation(t *testing.T) {
	activation := &stubActivation{active: false}
	dialog := &stubDialog{decision: DialogAccepted}
	engine, done := newStorageEngine(t, activation, dialog)
	defer done()

	permitPolicy(t, engine, "https://login.idp.test", AllowAll())
	// Permit itself needs activation.
	activation.active = true
	permitPolicy(t, engine, "https://login.idp.test", AllowAll())
	activation.active = false

	_, err := engine.RequestAccess(context.Background(), Document{Origin: "https://app.example", ID: "d1"}, "https://login.idp.test")
	if !errors.Is(err, ErrNoUserActivation) {
		t.Fatalf("expected ErrNoUserActivation, got %v", err)
	}
	if dialog.Calls() != 0 {
		t.Fatal("expected no dialog without activation")
	}
}

func TestRequestAccessDeclinedIsRetryable(t *testing.T) {
	dialog := &stubDialog{decision: DialogDeclined}
	engine, done := newStorageEngine(t, &stubActivation{active: true}, dialog)
	defer done()

	permitPolicy(t, engine, "https://login.idp.test", AllowAll())

	doc := Document{Origin: "https://app.example", ID: "d1"}
	_, err := engine.RequestAccess(context.Background(), doc, "https://login.idp.test")
	if !errors.Is(err, ErrUserDeclined) {
		t.Fatalf("expected ErrUserDeclined, got %v", err)
	}
	if got := engine.PendingRequests(); got != 0 {
		t.Fatalf("expected declined request removed, got %d pending", got)
	}

	// A decline is not durable: the user can change their mind.
	dialog.mu.Lock()
	dialog.decision = DialogAccepted
	dialog.mu.Unlock()

	granted, err := engine.RequestAccess(context.Background(), doc, "https://login.idp.test")
	if err != nil {
		t.Fatalf("RequestAccess after decline failed: %v", err)
	}
	if !granted {
		t.Fatal("expected grant on retry after decline")
	}
}

func TestRequestAccessExistingGrantShortCircuits(t *testing.T) {
	activation := &stubActivation{active: true}
	dialog := &stubDialog{decision: DialogAccepted}
	engine, done := newStorageEngine(t, activation, dialog)
	defer done()

	permitPolicy(t, engine, "https://login.idp.test", AllowAll())

	doc := Document{Origin: "https://app.example", ID: "d1"}
	if _, err := engine.RequestAccess(context.Background(), doc, "https://login.idp.test"); err != nil {
		t.Fatalf("first RequestAccess failed: %v", err)
	}

	// Second call: no activation, no dialog, still granted.
	activation.active = false
	granted, err := engine.RequestAccess(context.Background(), doc, "https://login.idp.test")
	if err != nil {
		t.Fatalf("second RequestAccess failed: %v", err)
	}
	if !granted {
		t.Fatal("expected existing grant to short-circuit")
	}
	if dialog.Calls() != 1 {
		t.Fatalf("expected one dialog total, got %d", dialog.Calls())
	}
}

func TestRequestAccessCancelledDuringDialog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dialog := &stubDialog{err: context.Canceled}
	dialog.onShow = cancel

	engine, done := newStorageEngine(t, &stubActivation{active: true}, dialog)
	defer done()

	permitPolicy(t, engine, "https://login.idp.test", AllowAll())

	_, err := engine.RequestAccess(ctx, Document{Origin: "https://app.example", ID: "d1"}, "https://login.idp.test")
	if !errors.Is(err, ErrRequestCancelled) {
		t.Fatalf("expected ErrRequestCancelled, got %v", err)
	}
	if got := engine.PendingRequests(); got != 0 {
		t.Fatalf("expected pending entry removed on cancellation, got %d", got)
	}

	status, qerr := engine.Query(context.Background(), "https://app.example", "https://login.idp.test")
	if qerr != nil {
		t.Fatalf("Query failed: %v", qerr)
	}
	if status.Granted {
		t.Fatal("expected no grant after cancellation")
	}
}

func TestRequestAccessDialogFailureSurfaced(t *testing.T) {
	dialog := &stubDialog{err: errors.New("renderer crashed")}
	engine, done := newStorageEngine(t, &stubActivation{active: true}, dialog)
	defer done()

	permitPolicy(t, engine, "https://login.idp.test", AllowAll())

	_, err := engine.RequestAccess(context.Background(), Document{Origin: "https://app.example", ID: "d1"}, "https://login.idp.test")
	if !errors.Is(err, ErrDialogFailed) {
		t.Fatalf("expected ErrDialogFailed, got %v", err)
	}
}

func TestRequestAccessInvalidOrigins(t *testing.T) {
	dialog := &stubDialog{decision: DialogAccepted}
	engine, done := newStorageEngine(t, &stubActivation{active: true}, dialog)
	defer done()

	if _, err := engine.RequestAccess(context.Background(), Document{Origin: "https://app.example/path", ID: "d1"}, "https://login.idp.test"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for origin with path, got %v", err)
	}
	if _, err := engine.RequestAccess(context.Background(), Document{Origin: "https://app.example", ID: "d1"}, "not a url"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for bad target, got %v", err)
	}
}

func TestRequestAccessPolicyFlipMidDialogParksConsent(t *testing.T) {
	dialog := &stubDialog{decision: DialogAccepted}
	engine, done := newStorageEngine(t, &stubActivation{active: true}, dialog)
	defer done()

	dialog.onShow = func() {
		// The IDP overwrites its policy while the prompt is open; the
		// commit-time re-check must refuse the stale acceptance.
		permitPolicy(t, engine, "https://login.idp.test", SiteList("https://unrelated.example"))
	}

	permitPolicy(t, engine, "https://login.idp.test", AllowAll())

	granted, err := engine.RequestAccess(context.Background(), Document{Origin: "https://app.example", ID: "d1"}, "https://login.idp.test")
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	if granted {
		t.Fatal("expected request parked, not granted, after mid-dialog policy flip")
	}
	if got := engine.PendingRequests(); got != 1 {
		t.Fatalf("expected consented request parked, got %d pending", got)
	}

	status, err := engine.Query(context.Background(), "https://app.example", "https://login.idp.test")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if status.Granted {
		t.Fatal("expected no grant committed against replaced policy")
	}

	// A later Permit that re-accepts the site completes the dialog's
	// consent without prompting again.
	permitPolicy(t, engine, "https://login.idp.test", AllowAll())

	status, err = engine.Query(context.Background(), "https://app.example", "https://login.idp.test")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if !status.Granted {
		t.Fatal("expected sweep to complete parked consent")
	}
	if dialog.Calls() != 1 {
		t.Fatalf("expected no second dialog, got %d calls", dialog.Calls())
	}
	if got := engine.PendingRequests(); got != 0 {
		t.Fatalf("expected parked request resolved, got %d pending", got)
	}
}

func TestPolicyOverwriteDoesNotRevokeGrant(t *testing.T) {
	dialog := &stubDialog{decision: DialogAccepted}
	engine, done := newStorageEngine(t, &stubActivation{active: true}, dialog)
	defer done()

	permitPolicy(t, engine, "https://login.idp.test", AllowAll())

	doc := Document{Origin: "https://app.example", ID: "d1"}
	if _, err := engine.RequestAccess(context.Background(), doc, "https://login.idp.test"); err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}

	// Narrowing the policy afterwards leaves existing grants intact.
	permitPolicy(t, engine, "https://login.idp.test", SiteList("https://unrelated.example"))

	has, err := engine.HasAccessFor(context.Background(), "https://app.example", "https://login.idp.test")
	if err != nil {
		t.Fatalf("HasAccessFor failed: %v", err)
	}
	if !has {
		t.Fatal("expected grant to survive policy overwrite")
	}
}

func TestRequestAccessEngineNotReady(t *testing.T) {
	var engine *Engine
	if _, err := engine.RequestAccess(context.Background(), Document{Origin: "https://a.example"}, "https://b.example"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
}
