package approval

import (
	"errors"
	"testing"
	"time"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

func TestRequires(t *testing.T) {
	t.Parallel()

	g := NewGate([]string{"create_event", " delete_event ", ""}, nil)

	if !g.Requires("create_event") {
		t.Fatal("expected create_event to require approval")
	}
	if !g.Requires("delete_event") {
		t.Fatal("expected delete_event to require approval")
	}
	if g.Requires("get_events") {
		t.Fatal("expected get_events to not require approval")
	}
}

func TestStageAndResolve(t *testing.T) {
	t.Parallel()

	g := NewGate([]string{"create_event"}, nil)
	call := contractx.ToolCall{Name: "create_event", CallID: "c1"}

	staged, err := g.Stage("s1", call, "create X")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if staged.ID == "" {
		t.Fatal("expected a generated pending action id")
	}
	if !staged.ExpiresAt.After(staged.CreatedAt) {
		t.Fatal("expected expiry after creation time")
	}

	if _, err := g.Stage("s1", call, "another"); !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("expected ErrAlreadyPending, got %v", err)
	}

	pending, ok := g.Pending("s1")
	if !ok || pending.ID != staged.ID {
		t.Fatalf("Pending() = %v, %v; want staged action", pending, ok)
	}

	resolved, err := g.Resolve("s1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.Call.CallID != "c1" {
		t.Fatalf("unexpected resolved call id %q", resolved.Call.CallID)
	}

	if _, err := g.Resolve("s1"); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending after resolve, got %v", err)
	}
}

func TestExpiryFiresOnce(t *testing.T) {
	t.Parallel()

	expired := make(chan *contractx.PendingAction, 2)
	g := NewGate([]string{"create_event"}, func(p *contractx.PendingAction) { expired <- p }, WithTTL(30*time.Millisecond))

	staged, err := g.Stage("s1", contractx.ToolCall{Name: "create_event"}, "create X")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	select {
	case p := <-expired:
		if p.ID != staged.ID {
			t.Fatalf("expired wrong action: %q", p.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback never fired")
	}

	if _, err := g.Resolve("s1"); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending after expiry, got %v", err)
	}

	select {
	case <-expired:
		t.Fatal("expiry callback fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResolveStopsExpiry(t *testing.T) {
	t.Parallel()

	expired := make(chan *contractx.PendingAction, 1)
	g := NewGate([]string{"create_event"}, func(p *contractx.PendingAction) { expired <- p }, WithTTL(50*time.Millisecond))

	if _, err := g.Stage("s1", contractx.ToolCall{Name: "create_event"}, "create X"); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if _, err := g.Resolve("s1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	select {
	case <-expired:
		t.Fatal("expiry fired after resolve")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestParseDecision(t *testing.T) {
	t.Parallel()

	approvals := []string{"yes", "Yes", " YES ", "ok", "okay!", "go ahead", "do it.", "네", "확인"}
	for _, text := range approvals {
		if got := ParseDecision(text); got != contractx.DecisionApproved {
			t.Fatalf("ParseDecision(%q) = %q, want approved", text, got)
		}
	}

	denials := []string{"no", "nope", "cancel", "actually make it 3pm", "what's the weather?", ""}
	for _, text := range denials {
		if got := ParseDecision(text); got != contractx.DecisionDenied {
			t.Fatalf("ParseDecision(%q) = %q, want denied", text, got)
		}
	}
}
