package replpool

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newFakeRunningWorker returns a Worker wired to in-memory pipes instead of a
// real subprocess, with respond driving a fake interpreter loop: it reads one
// framed Request at a time from the worker's stdin side and decides what to
// write back via the supplied function. The caller owns reading requests off
// reqCh if it wants to assert on them; most tests just ignore it.
func newFakeRunningWorker(t *testing.T, header string, maxUses int, respond func(Request) CommandResponse) (*Worker, chan Request) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	w := &Worker{
		ID:        uuid.New(),
		Header:    header,
		MaxUses:   maxUses,
		CreatedAt: time.Now(),
		state:     StateRunning,
		stdin:     stdinW,
		stdout:    bufio.NewReader(stdoutR),
		stderr:    &syncBuffer{},
	}

	reqCh := make(chan Request, 16)

	go func() {
		defer stdinR.Close()
		defer stdoutW.Close()

		dec := json.NewDecoder(stdinR)
		for {
			var req Request
			if err := dec.Decode(&req); err != nil {
				return
			}
			reqCh <- req

			resp := respond(req)
			payload, err := json.Marshal(resp)
			if err != nil {
				return
			}
			payload = append(payload, '\n', '\n')
			if _, err := stdoutW.Write(payload); err != nil {
				return
			}
		}
	}()

	return w, reqCh
}

func TestWorkerSendFirstUseOmitsEnv(t *testing.T) {
	w, reqCh := newFakeRunningWorker(t, "", 10, func(req Request) CommandResponse {
		return CommandResponse{}
	})

	if _, err := w.send("theorem foo : True := trivial", false); err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	req := <-reqCh
	if req.Env != nil {
		t.Fatalf("expected Env to be omitted on first use, got %v", *req.Env)
	}
}

func TestWorkerSendSubsequentUseCarriesEnvZero(t *testing.T) {
	w, reqCh := newFakeRunningWorker(t, "", 10, func(req Request) CommandResponse {
		return CommandResponse{}
	})

	if _, err := w.send("import Mathlib", true); err != nil {
		t.Fatalf("header send returned error: %v", err)
	}
	<-reqCh

	if _, err := w.send("theorem foo : True := trivial", false); err != nil {
		t.Fatalf("body send returned error: %v", err)
	}
	req := <-reqCh
	if req.Env == nil || *req.Env != 0 {
		t.Fatalf("expected Env: 0 on the second send, got %v", req.Env)
	}
}

func TestWorkerSendIncrementsUseCount(t *testing.T) {
	w, reqCh := newFakeRunningWorker(t, "", 10, func(req Request) CommandResponse {
		return CommandResponse{}
	})

	if w.UseCount() != 0 {
		t.Fatalf("expected initial use count 0, got %d", w.UseCount())
	}
	if _, err := w.send("a", false); err != nil {
		t.Fatal(err)
	}
	<-reqCh
	if w.UseCount() != 1 {
		t.Fatalf("expected use count 1 after one send, got %d", w.UseCount())
	}
}

func TestWorkerSendSurfacesStderrAsInterpreterError(t *testing.T) {
	w, reqCh := newFakeRunningWorker(t, "", 10, func(req Request) CommandResponse {
		return CommandResponse{}
	})
	w.stderr.Write([]byte("panic: unexpected\n"))

	_, err := w.send("a", false)
	<-reqCh
	if err == nil {
		t.Fatal("expected an error when stderr carries output")
	}
	if !errors.Is(err, ErrInterpreter) {
		t.Fatalf("expected ErrInterpreter, got %v", err)
	}
	if w.State() != StateClosed {
		t.Fatalf("expected worker to be closed after a stderr fault, got %v", w.State())
	}
}

func TestWorkerSendWithTimeoutTimesOut(t *testing.T) {
	// No respond side ever writes back: the request is read but never
	// answered, so the send must time out.
	w, _ := newFakeRunningWorker(t, "", 10, func(req Request) CommandResponse {
		select {} // block forever
	})

	_, err := w.SendWithTimeout("a", 20*time.Millisecond, false)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

// TestWorkerTimeoutThenCloseDoesNotDeadlock is the central §8.3 scenario: a
// genuinely hung interpreter (one that never answers and never exits on its
// own) times out, and the orchestrator's required next step — destroying
// the worker — must not block forever. Before SendWithTimeout killed the
// subprocess itself, the abandoned reader goroutine stayed parked in
// readResponse holding w.mu, and Close's own w.mu.Lock() never returned.
func TestWorkerTimeoutThenCloseDoesNotDeadlock(t *testing.T) {
	w, _ := newFakeRunningWorker(t, "", 10, func(req Request) CommandResponse {
		select {} // simulates a hung interpreter: never answers
	})

	_, err := w.SendWithTimeout("a", 20*time.Millisecond, false)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- w.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close deadlocked after a timed-out send against a hung interpreter")
	}

	if w.State() != StateClosed {
		t.Fatalf("expected worker state closed after Close, got %v", w.State())
	}
}

func TestWorkerSendWithTimeoutNoDeadlineWaitsForSlowResponse(t *testing.T) {
	w, _ := newFakeRunningWorker(t, "", 10, func(req Request) CommandResponse {
		time.Sleep(30 * time.Millisecond)
		return CommandResponse{}
	})

	result, err := w.SendWithTimeout("a", NoDeadline, false)
	if err != nil {
		t.Fatalf("unexpected error with NoDeadline: %v", err)
	}
	if result.Response.HasFatalError() {
		t.Fatalf("unexpected fatal error in response")
	}
}

func TestWorkerSendNotRunningFails(t *testing.T) {
	w := NewWorker("", Config{})
	_, err := w.send("a", false)
	if err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning on a not-yet-started worker, got %v", err)
	}
}

func TestWorkerExhaustedBlankHeader(t *testing.T) {
	w := NewWorker("", Config{MaxUses: 2})
	if w.Exhausted() {
		t.Fatal("fresh worker must not be exhausted")
	}
	w.useCount = 2
	if !w.Exhausted() {
		t.Fatal("expected worker to be exhausted once useCount reaches MaxUses with a blank header")
	}
}

func TestWorkerExhaustedNonBlankHeaderGetsExtraUse(t *testing.T) {
	w := NewWorker("import Mathlib", Config{MaxUses: 1})
	w.useCount = 1 // the header send itself
	if w.Exhausted() {
		t.Fatal("a header send should not count toward the body-send quota")
	}
	w.useCount = 2
	if !w.Exhausted() {
		t.Fatal("expected exhaustion once the body quota is also reached")
	}
}

func TestWorkerCloseOnNeverStartedIsNoop(t *testing.T) {
	w := NewWorker("", Config{})
	if err := w.Close(); err != nil {
		t.Fatalf("Close on a never-started worker should be a no-op, got %v", err)
	}
	if w.State() != StateClosed {
		t.Fatalf("expected StateClosed after Close, got %v", w.State())
	}
}

func TestWorkerCloseIsIdempotent(t *testing.T) {
	w := NewWorker("", Config{})
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close must also be a no-op, got %v", err)
	}
}
