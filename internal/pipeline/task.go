package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/derektruong/fxupload/internal/allowance"
	"github.com/derektruong/fxupload/internal/iometer"
)

// DefaultBufferSize caps the bytes moved by a single write step.
const DefaultBufferSize = 8192

var (
	ErrClientDisconnected = errors.New("client disconnected")
	ErrPoolClosed         = errors.New("pipeline: pool closed")
)

// State is the step a chunk task is in.
type State int

const (
	StateDispatch State = iota
	StateWrite
	StateAwaitAllowance
	StateCancelled
	StateFailed
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateDispatch:
		return "dispatch"
	case StateWrite:
		return "write"
	case StateAwaitAllowance:
		return "await_allowance"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a chunk task. Err is set for failed tasks and,
// for cancelled tasks, tells a client disconnect or a timeout apart from a
// requested cancellation.
type Result struct {
	State    State
	Written  int64
	Checksum string
	Err      error
}

// Scopes are the three allowances a chunk task consumes from.
type Scopes struct {
	Request *allowance.Scope
	Client  *allowance.Scope
	Master  *allowance.Scope
}

// TaskConfig describes one chunk upload.
type TaskConfig struct {
	FileID           string
	ClientID         string
	ExpectedChecksum string
	Input            io.Reader
	Output           io.WriteCloser
	Scopes           Scopes
}

// Task drains one chunk stream into the output file. It is driven by a
// Pool one step at a time and owns the output until it finishes.
type Task struct {
	fileID   string
	clientID string
	expected string

	ctx    context.Context
	reader *iometer.TransferReader
	output io.WriteCloser
	scopes Scopes
	buf    []byte

	state   State
	written atomic.Int64
	// drained is set once the input reached EOF
	drained bool

	once sync.Once
	done chan Result
}

func newTask(ctx context.Context, cfg TaskConfig, bufferSize int) *Task {
	return &Task{
		fileID:   cfg.FileID,
		clientID: cfg.ClientID,
		expected: cfg.ExpectedChecksum,
		ctx:      ctx,
		reader:   iometer.NewTransferReader(cfg.Input, nil),
		output:   cfg.Output,
		scopes:   cfg.Scopes,
		buf:      make([]byte, bufferSize),
		state:    StateDispatch,
		done:     make(chan Result, 1),
	}
}

// FileID returns the upload the task writes to.
func (t *Task) FileID() string {
	return t.fileID
}

// Written returns the bytes appended so far. It is safe to call while
// the task runs.
func (t *Task) Written() int64 {
	return t.written.Load()
}

// Done returns a channel receiving the result once the task finishes.
func (t *Task) Done() <-chan Result {
	return t.done
}

// finish closes the output and publishes the result, only the first call
// has an effect.
func (t *Task) finish(res Result) (final Result, finished bool) {
	t.once.Do(func() {
		if t.output != nil {
			if err := t.output.Close(); err != nil && res.Err == nil && res.State == StateCompleted {
				res.State = StateFailed
				res.Err = err
			}
		}
		t.state = res.State
		res.Written = t.written.Load()
		if res.Checksum == "" {
			res.Checksum = t.reader.Checksum()
		}
		t.done <- res
		final, finished = res, true
	})
	return
}
