package workflow

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tls-workbench/minitls"
)

// Status is the verdict of a trace.
type Status string

const (
	StatusPassed Status = "PASSED"
	StatusFailed Status = "FAILED"
)

// Failure locates one error in a trace. MessageIndex is -1 when the failure
// belongs to the action as a whole (a transport error).
type Failure struct {
	ActionIndex  int    `json:"action_index"`
	MessageIndex int    `json:"message_index"`
	Kind         string `json:"kind"`
	Message      string `json:"message"`

	Err error `json:"-"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("action %d, message %d: %s", f.ActionIndex, f.MessageIndex, f.Message)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// MessageResult records what happened to one slot, or to an extra message
// received beyond the expected ones.
type MessageResult struct {
	Index    int    `json:"index"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Required bool   `json:"required"`
	Matched  bool   `json:"matched"`
	Skipped  bool   `json:"skipped,omitempty"`
	Partial  bool   `json:"partial,omitempty"`
	Raw      string `json:"raw,omitempty"`
	Error    string `json:"error,omitempty"`

	// Message is the message sent, or the one received in this slot.
	Message minitls.ProtocolMessage `json:"-"`
}

// ActionResult records one action.
type ActionResult struct {
	Index    int             `json:"index"`
	Kind     string          `json:"kind"`
	Sender   string          `json:"sender"`
	Messages []MessageResult `json:"messages"`
	// Alert is set when a fatal alert was sent or received by this action.
	Alert string `json:"alert,omitempty"`
	Error string `json:"error,omitempty"`
}

// TraceResult is the outcome of executing one trace.
type TraceResult struct {
	ID       uuid.UUID      `json:"id"`
	Status   Status         `json:"status"`
	Actions  []ActionResult `json:"actions"`
	Failures []Failure      `json:"failures,omitempty"`
	// Halted is set when execution stopped before the last action.
	Halted    bool          `json:"halted,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

func newTraceResult() *TraceResult {
	return &TraceResult{ID: uuid.New(), Status: StatusPassed, StartedAt: time.Now()}
}

// Passed reports whether the trace passed.
func (r *TraceResult) Passed() bool {
	return r.Status == StatusPassed
}

// Err returns the first failure, or nil.
func (r *TraceResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return r.Failures[0]
}

func (r *TraceResult) fail(action, message int, err error) Failure {
	f := Failure{
		ActionIndex:  action,
		MessageIndex: message,
		Kind:         failureKind(err),
		Message:      err.Error(),
		Err:          err,
	}
	r.Failures = append(r.Failures, f)
	r.Status = StatusFailed
	return f
}

// failureKind names the error kind; errors from outside the codec are
// transport failures.
func failureKind(err error) string {
	if k := minitls.KindOf(err); k != 0 {
		return k.String()
	}
	return "TransportError"
}

func hexString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}
