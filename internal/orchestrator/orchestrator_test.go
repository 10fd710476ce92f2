package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanrepl/leanreplpool/internal/replpool"
)

func TestCheckReturnsCapacityErrorWhenPoolIsFull(t *testing.T) {
	pool := replpool.New(replpool.Settings{MaxRepls: 0})
	o := New(pool)

	_, err := o.Check(context.Background(), SnippetRequest{CustomID: "s1", Code: "theorem x : True := trivial"})

	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected a *CapacityError, got %v", err)
	}
	if capErr.CustomID != "s1" {
		t.Fatalf("expected CapacityError to carry the snippet's custom id, got %q", capErr.CustomID)
	}
}

func TestCapacityErrorMessageNamesTheSnippet(t *testing.T) {
	err := &CapacityError{CustomID: "abc"}
	want := fmt.Sprintf("capacity exhausted for snippet %q", "abc")
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestBatchPreservesInputOrderUnderCapacityPressure(t *testing.T) {
	pool := replpool.New(replpool.Settings{MaxRepls: 0})
	o := New(pool)

	reqs := []SnippetRequest{
		{CustomID: "a"},
		{CustomID: "b"},
		{CustomID: "c"},
	}

	results := o.Batch(context.Background(), reqs)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range []string{"a", "b", "c"} {
		if results[i].CustomID != want {
			t.Fatalf("result[%d].CustomID = %q, want %q", i, results[i].CustomID, want)
		}
		if results[i].Error == "" {
			t.Fatalf("expected result[%d] to carry a capacity error", i)
		}
	}
}

func TestBatchCapacityErrorMessageIsClientFacing(t *testing.T) {
	pool := replpool.New(replpool.Settings{MaxRepls: 0})
	o := New(pool)

	results := o.Batch(context.Background(), []SnippetRequest{{CustomID: "only"}})
	if results[0].Error != "capacity exhausted: no REPL available" {
		t.Fatalf("unexpected batch capacity error message: %q", results[0].Error)
	}
}

func TestRound6RoundsToMicroseconds(t *testing.T) {
	got := round6(1.0000001)
	if got != 1.0 {
		t.Fatalf("round6(1.0000001) = %v, want 1.0", got)
	}
	got = round6(0.1234565)
	if got != 0.123457 && got != 0.123456 {
		t.Fatalf("round6(0.1234565) = %v, expected a microsecond-rounded value near it", got)
	}
}

func TestDiagPtrNilWhenDebugFalse(t *testing.T) {
	d := replpool.Diagnostics{ReplUUID: "x"}
	if p := diagPtr(false, d); p != nil {
		t.Fatalf("expected nil diagnostics pointer when debug is false, got %v", p)
	}
	if p := diagPtr(true, d); p == nil || p.ReplUUID != "x" {
		t.Fatalf("expected a populated diagnostics pointer when debug is true, got %v", p)
	}
}
