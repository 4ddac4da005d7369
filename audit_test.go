package storageaccess

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func buildAuditEngine(t *testing.T, cfg Config, sink AuditSink) (*Engine, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserActivation(&stubActivation{active: true}).
		WithConsentDialog(&stubDialog{decision: DialogAccepted}).
		WithAuditSink(sink).
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

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.Enabled = false

	sink := &countingSink{}
	engine, done := buildAuditEngine(t, cfg, sink)
	defer done()

	doc := Document{Origin: "https://login.idp.test", ID: "idp-ctx"}
	if err := engine.PermitAccessFrom(context.Background(), doc, "https://login.idp.test", AllowAll()); err != nil {
		t.Fatalf("PermitAccessFrom failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
}

func TestAuditEnabledSinkReceivesEventWithFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.BufferSize = 16

	sink := NewChannelSink(8)
	engine, done := buildAuditEngine(t, cfg, sink)
	defer done()

	ctx := WithBrowsingContext(context.Background(), "tab-42")
	doc := Document{Origin: "https://login.idp.test", ID: "idp-ctx"}
	if err := engine.PermitAccessFrom(ctx, doc, "https://login.idp.test", AllowAll()); err != nil {
		t.Fatalf("PermitAccessFrom failed: %v", err)
	}

	select {
	case ev := <-sink.Events():
		if ev.EventType != "permit_policy_stored" {
			t.Fatalf("expected permit_policy_stored, got %q", ev.EventType)
		}
		if ev.IDPOrigin != "https://login.idp.test" {
			t.Fatalf("expected idp origin, got %q", ev.IDPOrigin)
		}
		if ev.BrowsingContext != "tab-42" {
			t.Fatalf("expected browsing context tab-42, got %q", ev.BrowsingContext)
		}
		if !ev.Success {
			t.Fatal("expected success event")
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatal("expected event id and timestamp populated")
		}
		if ev.Metadata["policy_kind"] != "allow_all" {
			t.Fatalf("expected policy_kind metadata, got %v", ev.Metadata)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected audit event to be received")
	}
}

func TestAuditBufferFullDropIfFullTrueDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	start := time.Now()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if dispatcher.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
}

func TestAuditBufferFullDropIfFullFalseBlocksUntilSpace(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: false,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	dispatcher.Emit(ctx, AuditEvent{EventType: "e3"})
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("expected blocking emit to wait for context deadline")
	}
	if dispatcher.Dropped() != 0 {
		t.Fatal("expected no drops in blocking mode")
	}
}

func TestAuditCloseDrainsBufferedEvents(t *testing.T) {
	sink := &countingSink{}
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 64,
		DropIfFull: true,
	}, sink)

	for i := 0; i < 20; i++ {
		dispatcher.Emit(context.Background(), AuditEvent{EventType: "e"})
	}
	dispatcher.Close()

	if got := sink.Count(); got != 20 {
		t.Fatalf("expected all 20 events delivered before close, got %d", got)
	}
}

func TestAuditErrorCodesNormalized(t *testing.T) {
	cases := []struct {
		err  error
		want AuditErrorCode
	}{
		{ErrNoUserActivation, auditErrNoActivation},
		{ErrUserDeclined, auditErrUserDeclined},
		{ErrNotFirstParty, auditErrNotFirstParty},
		{ErrInvalidArgument, auditErrInvalidArgument},
		{ErrRequestCancelled, auditErrCancelled},
		{ErrDialogFailed, auditErrDialogFailed},
		{ErrStoreUnavailable, auditErrUnavailable},
	}
	for _, tc := range cases {
		if got := auditErrorCode(tc.err); got != tc.want {
			t.Fatalf("auditErrorCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
	if got := auditErrorCode(nil); got != "" {
		t.Fatalf("expected empty code for nil error, got %q", got)
	}
}
