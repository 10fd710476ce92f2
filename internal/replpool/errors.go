package replpool

import "errors"

// Sentinel errors for the worker/pool fault taxonomy. Each is surfaced
// differently by the orchestrator: NoAvailable is the only one that
// propagates as a distinct signal to callers (to permit client back-off);
// the rest end up in a snippet response's error field.
var (
	// ErrNoAvailable means the pool is at capacity and has no free worker
	// to evict.
	ErrNoAvailable = errors.New("no available repl")

	// ErrSpawnFailed means the OS refused to start the interpreter
	// subprocess.
	ErrSpawnFailed = errors.New("repl spawn failed")

	// ErrTimeout means a send's deadline elapsed. The worker's stdio state
	// is indeterminate afterward and it must be destroyed, never reused.
	ErrTimeout = errors.New("repl command timed out")

	// ErrCrashed means a broken pipe, EOF on stdout, or an exited process
	// was detected mid-transaction.
	ErrCrashed = errors.New("repl crashed")

	// ErrProtocol means stdout framing was intact but the payload wasn't
	// valid JSON.
	ErrProtocol = errors.New("repl protocol error")

	// ErrInterpreter wraps non-empty stderr output from the interpreter.
	ErrInterpreter = errors.New("repl interpreter error")

	// ErrHeaderEval means the interpreter returned a well-formed response
	// to the header send whose messages (or error field) indicate failure.
	ErrHeaderEval = errors.New("repl header evaluation failed")

	// ErrNotRunning means send was called on a worker that isn't RUNNING.
	ErrNotRunning = errors.New("repl not running")

	// ErrWarmStartOverCapacity means the sum of an init map's desired
	// counts exceeds pool capacity.
	ErrWarmStartOverCapacity = errors.New("warm start plan exceeds max repls")
)
