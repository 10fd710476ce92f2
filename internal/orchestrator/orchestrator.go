// Package orchestrator implements the snippet orchestrator: for each
// incoming snippet it acquires a worker from the pool, primes it, sends
// the body, and translates the outcome into the service's response
// envelope.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leanrepl/leanreplpool/internal/replpool"
)

// SnippetRequest is one snippet submitted by a caller.
type SnippetRequest struct {
	CustomID string
	Code     string
	Timeout  time.Duration
	Debug    bool
}

// SnippetResponse is the service's per-snippet result envelope: either
// Response or Error is set, never both.
type SnippetResponse struct {
	CustomID    string                    `json:"custom_id"`
	Time        float64                   `json:"time"`
	Response    *replpool.CommandResponse `json:"response,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Diagnostics *replpool.Diagnostics     `json:"diagnostics,omitempty"`
}

// Orchestrator wires the header splitter and pool together to serve
// snippet requests.
type Orchestrator struct {
	pool *replpool.Pool
}

// New builds an orchestrator over an already-constructed pool.
func New(pool *replpool.Pool) *Orchestrator {
	return &Orchestrator{pool: pool}
}

// CapacityError is returned by Check when the pool has no worker
// available. It's the only error the caller is meant to observe
// distinctly, so it can back off and retry (spec.md §4.4/§7): every other
// failure is folded into the snippet's own Error field instead. Batch does
// not return it; it folds it into that snippet's Error field as well.
type CapacityError struct {
	CustomID string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exhausted for snippet %q", e.CustomID)
}

// Check runs a single snippet request end to end.
func (o *Orchestrator) Check(ctx context.Context, req SnippetRequest) (SnippetResponse, error) {
	header, body := replpool.SplitHeader(req.Code)

	worker, err := o.pool.Acquire(header)
	if err != nil {
		if errors.Is(err, replpool.ErrNoAvailable) {
			return SnippetResponse{}, &CapacityError{CustomID: req.CustomID}
		}
		return SnippetResponse{}, err
	}

	deadline := req.Timeout
	started := time.Now()

	if worker.State() == replpool.StateNew {
		if resp, done := o.prime(ctx, worker, header, req, deadline); done {
			return resp, nil
		}
	}

	elapsedHeader := time.Since(started)
	remaining := deadline - elapsedHeader
	if remaining < 0 {
		remaining = 0
	}

	result, err := worker.SendWithTimeout(body, remaining, false)
	if err != nil {
		return o.translateBodyError(worker, req, err, deadline), nil
	}

	o.pool.Release(worker)
	return o.success(req, result), nil
}

// prime starts the worker and, if it carries a header, runs it. It returns
// (response, true) when priming itself produced the snippet's outcome
// (start failure, header timeout/crash, or header evaluation failure) —
// in which case the caller must not attempt the body.
func (o *Orchestrator) prime(ctx context.Context, worker *replpool.Worker, header string, req SnippetRequest, deadline time.Duration) (SnippetResponse, bool) {
	if err := worker.Start(ctx); err != nil {
		o.pool.Destroy(worker)
		return o.errorResponse(req, worker, err, deadline), true
	}

	if header == "" {
		return SnippetResponse{}, false
	}

	result, err := worker.SendWithTimeout(header, deadline, true)
	if err != nil {
		o.pool.Destroy(worker)
		return o.translateHeaderError(worker, req, err, deadline), true
	}

	if result.Response.HasFatalError() {
		o.pool.Destroy(worker)
		resp := result.Response
		return SnippetResponse{
			CustomID:    req.CustomID,
			Time:        round6(result.Elapsed.Seconds()),
			Response:    &resp,
			Diagnostics: diagPtr(req.Debug, result.Diagnostics),
		}, true
	}

	return SnippetResponse{}, false
}

func (o *Orchestrator) translateHeaderError(worker *replpool.Worker, req SnippetRequest, err error, timeout time.Duration) SnippetResponse {
	if errors.Is(err, replpool.ErrTimeout) {
		return SnippetResponse{
			CustomID:    req.CustomID,
			Time:        timeout.Seconds(),
			Error:       fmt.Sprintf("Lean REPL command timed out in %v seconds", timeout.Seconds()),
			Diagnostics: diagPtr(req.Debug, replpool.Diagnostics{ReplUUID: worker.ID.String()}),
		}
	}
	return o.errorResponse(req, worker, err, timeout)
}

func (o *Orchestrator) translateBodyError(worker *replpool.Worker, req SnippetRequest, err error, timeout time.Duration) SnippetResponse {
	o.pool.Destroy(worker)
	if errors.Is(err, replpool.ErrTimeout) {
		return SnippetResponse{
			CustomID:    req.CustomID,
			Time:        timeout.Seconds(),
			Error:       fmt.Sprintf("Lean REPL command timed out in %v seconds", timeout.Seconds()),
			Diagnostics: diagPtr(req.Debug, replpool.Diagnostics{ReplUUID: worker.ID.String()}),
		}
	}
	return o.errorResponse(req, worker, err, timeout)
}

func (o *Orchestrator) errorResponse(req SnippetRequest, worker *replpool.Worker, err error, timeout time.Duration) SnippetResponse {
	return SnippetResponse{
		CustomID:    req.CustomID,
		Time:        0,
		Error:       err.Error(),
		Diagnostics: diagPtr(req.Debug, replpool.Diagnostics{ReplUUID: worker.ID.String()}),
	}
}

func (o *Orchestrator) success(req SnippetRequest, result replpool.SendResult) SnippetResponse {
	resp := result.Response
	return SnippetResponse{
		CustomID:    req.CustomID,
		Time:        round6(result.Elapsed.Seconds()),
		Response:    &resp,
		Diagnostics: diagPtr(req.Debug, result.Diagnostics),
	}
}

func diagPtr(debug bool, d replpool.Diagnostics) *replpool.Diagnostics {
	if !debug {
		return nil
	}
	return &d
}

func round6(seconds float64) float64 {
	const scale = 1e6
	return float64(int64(seconds*scale+0.5)) / scale
}

// Batch runs a list of snippet requests concurrently, bounded by the pool
// size: at most MaxRepls of them (at least one) run at a time, and the rest
// wait for a slot before calling Acquire. Results preserve the input order
// regardless of completion order.
func (o *Orchestrator) Batch(ctx context.Context, reqs []SnippetRequest) []SnippetResponse {
	results := make([]SnippetResponse, len(reqs))

	limit := o.pool.Settings().MaxRepls
	if limit < 1 {
		limit = 1
	}
	slots := make(chan struct{}, limit)

	var wg sync.WaitGroup
	wg.Add(len(reqs))
	for i, req := range reqs {
		go func(i int, req SnippetRequest) {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()
			resp, err := o.Check(ctx, req)
			if err != nil {
				var capErr *CapacityError
				if errors.As(err, &capErr) {
					resp = SnippetResponse{
						CustomID: req.CustomID,
						Error:    "capacity exhausted: no REPL available",
					}
				} else {
					resp = SnippetResponse{CustomID: req.CustomID, Error: err.Error()}
				}
			}
			results[i] = resp
		}(i, req)
	}
	wg.Wait()

	return results
}
