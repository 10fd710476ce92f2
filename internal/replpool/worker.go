package replpool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a worker's liveness, derived from its subprocess's exit status.
type State int

const (
	// StateNew is a constructed-but-not-yet-started worker.
	StateNew State = iota
	// StateRunning is a worker whose subprocess is alive.
	StateRunning
	// StateClosed is a worker whose subprocess has exited or been killed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Diagnostics is the optional per-send debug payload: which worker served
// the request, and its peak resource usage over the worker's lifetime so
// far.
type Diagnostics struct {
	ReplUUID  string  `json:"repl_uuid"`
	CPUMax    float64 `json:"cpu_max"`
	MemoryMax uint64  `json:"memory_max"`
}

// SendResult is the outcome of a successful Worker.send: the parsed
// interpreter document, wall-clock elapsed time, and optional diagnostics.
type SendResult struct {
	Response    CommandResponse
	Elapsed     time.Duration
	Diagnostics Diagnostics
}

// Worker owns one interpreter subprocess and serializes all interaction
// with it. A worker is either free or busy in the pool's bookkeeping; it
// never enforces that itself, trusting the pool to hand it to exactly one
// caller at a time.
type Worker struct {
	ID        uuid.UUID
	Header    string
	MaxUses   int
	MaxMemory uint64 // bytes, 0 = unlimited
	CreatedAt time.Time

	binPath string
	workDir string

	mu     sync.Mutex // serializes all stdio on this worker
	state  State
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *syncBuffer

	useCount int
	sampler  *sampler
}

// syncBuffer guards a bytes.Buffer that os/exec writes to from its own
// background copy goroutine (whenever Cmd.Stderr is a plain io.Writer,
// exec.Cmd starts a goroutine that copies the stderr pipe into it for the
// life of the process) while Worker.drainStderr reads it from the
// request-handling goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return bytesTrimSpaceString(s)
}

// Config bundles the construction parameters a pool passes to a new
// worker: the interpreter binary, its working directory, and the
// per-worker resource caps.
type Config struct {
	BinPath   string
	WorkDir   string
	MaxUses   int
	MaxMemory uint64 // bytes
}

// NewWorker constructs a not-yet-started worker specialized to header. It
// never blocks on spawning the subprocess: that happens in Start.
func NewWorker(header string, cfg Config) *Worker {
	return &Worker{
		ID:        uuid.New(),
		Header:    header,
		MaxUses:   cfg.MaxUses,
		MaxMemory: cfg.MaxMemory,
		CreatedAt: time.Now(),
		binPath:   cfg.BinPath,
		workDir:   cfg.WorkDir,
		state:     StateNew,
		stderr:    &syncBuffer{},
	}
}

// ShortID is the worker's id truncated to 8 hex characters, for log lines,
// mirroring the Python original's uuid.hex[:8] convention.
func (w *Worker) ShortID() string {
	return w.ID.String()[:8]
}

// State returns the worker's recorded liveness. It does not poll the
// subprocess: an exit is recorded when a send fails on the worker's stdio
// or when Close kills and waits for the process.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked()
}

func (w *Worker) stateLocked() State {
	if w.state == StateRunning && w.cmd != nil && w.cmd.ProcessState != nil {
		w.state = StateClosed
	}
	return w.state
}

// UseCount returns the number of successful body/header sends so far.
func (w *Worker) UseCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.useCount
}

// Exhausted reports whether the worker has reached its body-send quota. A
// worker with a non-blank header gets one extra use for the header send
// itself, which doesn't count toward the body quota.
func (w *Worker) Exhausted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !isBlank(w.Header) {
		return w.useCount >= w.MaxUses+1
	}
	return w.useCount >= w.MaxUses
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// rlimitMu serializes Start's lower/spawn/restore RLIMIT_AS window across
// all workers, since the limit is process-wide.
var rlimitMu sync.Mutex

// Start spawns the subprocess: stdin/stdout as pipes, stderr captured to a
// per-worker buffer, the child placed in its own process group with an
// address-space rlimit installed where the OS supports it. A background
// sampler begins polling the process-group tree at ~1 Hz.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateNew {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// A plain exec.Command, not exec.CommandContext: the worker is pooled
	// and reused across many later requests, so its process must outlive
	// the single request whose Check call happened to spawn it. ctx is
	// only consulted above, as a cheap pre-start cancellation check.
	cmd := exec.Command("lake", "env", w.binPath)
	cmd.Dir = w.workDir
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	cmd.Stderr = w.stderr

	rlimitMu.Lock()
	var prev rlimitSnapshot
	var haveLimit bool
	if w.MaxMemory > 0 {
		p, rlErr := setRlimitAS(w.MaxMemory)
		if rlErr == nil {
			prev, haveLimit = p, true
		}
	}
	startErr := cmd.Start()
	if haveLimit {
		restoreRlimitAS(prev)
	}
	rlimitMu.Unlock()

	if startErr != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return fmt.Errorf("%w: %v", ErrSpawnFailed, startErr)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.stdout = bufio.NewReader(stdout)
	w.state = StateRunning

	w.sampler = newSampler(cmd.Process.Pid)
	go w.sampler.run()

	log.Printf("[%s] repl started", w.ShortID())
	return nil
}

// send performs one framed request/response exchange with no deadline. It
// is a thin wrapper around SendWithTimeout using NoDeadline, kept as its
// own method because tests drive the exchange directly without a timeout.
func (w *Worker) send(code string, isHeader bool) (SendResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sendLocked(code, isHeader, NoDeadline)
}

// SendWithTimeout runs one framed request/response exchange under deadline
// d. On expiry the worker's stdio state is indeterminate (a partial read
// may have consumed bytes the next call would need) and the caller must
// destroy it; no retry is attempted here or anywhere in the pool. d == 0
// times out essentially immediately (matching the Python original's
// asyncio.wait_for(timeout=0) semantics — a zero timeout is a real, if
// degenerate, deadline, not "unbounded"). Use NoDeadline for an actually
// unbounded wait.
//
// SendWithTimeout holds w.mu for the whole exchange, including the wait
// for a response: that's what lets its timeout branch kill the hung
// subprocess itself, synchronously, before releasing the lock (the
// teacher's handleRequest does the same — see
// baremetalphp-go-appserver/server/worker.go's request-timeout branch).
// The SIGKILL is what actually unblocks the background reader goroutine
// parked in readResponse — nothing else can interrupt a blocking pipe
// read — and killing it before unlocking is what guarantees a subsequent
// Worker.Close (which also takes w.mu) never blocks forever against a
// genuinely hung interpreter.
func (w *Worker) SendWithTimeout(code string, d time.Duration, isHeader bool) (SendResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sendLocked(code, isHeader, d)
}

// sendLocked performs one framed request/response exchange. Callers must
// hold w.mu for its entire duration.
func (w *Worker) sendLocked(code string, isHeader bool, d time.Duration) (SendResult, error) {
	if w.stateLocked() != StateRunning {
		return SendResult{}, ErrNotRunning
	}

	req := Request{Cmd: code}
	if w.useCount != 0 && !isHeader {
		zero := 0
		req.Env = &zero
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	payload = append(payload, '\n', '\n')

	start := time.Now()

	if _, err := w.stdin.Write(payload); err != nil {
		w.state = StateClosed
		return SendResult{}, fmt.Errorf("%w: %v", ErrCrashed, err)
	}

	raw, err := w.readResponseWithDeadline(d)
	if err != nil {
		if err == ErrTimeout {
			// Kill the subprocess while still holding w.mu, so the reader
			// goroutine readResponseWithDeadline left behind unblocks (its
			// pipe read hits EOF) instead of sitting on the pipe forever,
			// and so Close's own w.mu.Lock() can proceed the instant this
			// function returns.
			w.killLocked()
			w.state = StateClosed
			return SendResult{}, ErrTimeout
		}
		w.state = StateClosed
		return SendResult{}, fmt.Errorf("%w: %v", ErrCrashed, err)
	}

	elapsed := time.Since(start)

	var resp CommandResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		w.state = StateClosed
		return SendResult{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if errText := w.drainStderr(); errText != "" {
		w.state = StateClosed
		return SendResult{}, fmt.Errorf("%w: %s", ErrInterpreter, errText)
	}

	w.useCount++

	diag := Diagnostics{ReplUUID: w.ID.String()}
	if w.sampler != nil {
		diag.CPUMax, diag.MemoryMax = w.sampler.peaks()
	}

	return SendResult{
		Response:    resp,
		Elapsed:     elapsed,
		Diagnostics: diag,
	}, nil
}

// readResponse reads stdout lines until a blank line or EOF. EOF with no
// data accumulated means the process died without answering.
func (w *Worker) readResponse() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := w.stdout.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			if buf.Len() == 0 && err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}
		buf.Write(line)
		if err != nil {
			if buf.Len() == 0 {
				return nil, err
			}
			return buf.Bytes(), nil
		}
	}
}

// readResponseWithDeadline races readResponse against d (d < 0 waits
// indefinitely). On expiry it returns ErrTimeout and leaves the reader
// goroutine running in the background; it is the caller's job (see
// sendLocked) to kill the subprocess so that goroutine's blocking read
// unblocks instead of leaking.
func (w *Worker) readResponseWithDeadline(d time.Duration) ([]byte, error) {
	if d < 0 {
		return w.readResponse()
	}

	type result struct {
		raw []byte
		err error
	}

	done := make(chan result, 1)
	go func() {
		raw, err := w.readResponse()
		done <- result{raw, err}
	}()

	select {
	case r := <-done:
		return r.raw, r.err
	case <-time.After(d):
		return nil, ErrTimeout
	}
}

func (w *Worker) drainStderr() string {
	return w.stderr.drain()
}

func bytesTrimSpaceString(s string) string {
	return string(bytes.TrimSpace([]byte(s)))
}

// NoDeadline makes SendWithTimeout wait indefinitely for a response; send
// always uses it.
const NoDeadline time.Duration = -1

// killLocked closes stdin and sends SIGKILL to the whole process group.
// Callers must hold w.mu. It's shared by Close and by sendLocked's timeout
// branch, where killing the subprocess while still holding the lock is
// what unblocks the reader goroutine a timed-out read left behind.
func (w *Worker) killLocked() {
	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	if w.cmd != nil && w.cmd.Process != nil {
		if err := killProcessGroup(w.cmd.Process.Pid); err != nil {
			_ = w.cmd.Process.Kill()
		}
	}
}

// Close kills the subprocess (see killLocked), waits for exit, and cancels
// the sampler. Safe to call more than once.
func (w *Worker) Close() error {
	w.mu.Lock()
	cmd := w.cmd
	samp := w.sampler
	alreadyClosed := w.state == StateClosed || w.state == StateNew
	w.state = StateClosed
	w.killLocked()
	w.mu.Unlock()

	if samp != nil {
		samp.close()
	}
	if alreadyClosed && cmd == nil {
		return nil
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Wait()
	}
	log.Printf("[%s] repl closed", w.ShortID())
	return nil
}
