// Package workflow runs workflow traces: ordered send and receive actions that
// drive one TLS or DTLS connection through an arbitrary message sequence.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"tls-workbench/minitls"
)

// ActionKind says whether an action sends messages or expects them.
type ActionKind int

const (
	Send ActionKind = iota
	Receive
)

func (k ActionKind) String() string {
	if k == Send {
		return "SEND"
	}
	return "RECEIVE"
}

// ParseActionKind accepts the names produced by String.
func ParseActionKind(s string) (ActionKind, error) {
	switch strings.ToUpper(s) {
	case "SEND":
		return Send, nil
	case "RECEIVE":
		return Receive, nil
	}
	return 0, minitls.NewError(minitls.ConfigurationError, "parse action kind", fmt.Sprintf("unknown action kind %q", s), nil)
}

// MessageSlot is one message of an action. For a receive action the message
// is the expectation: only its kind is compared. Optional slots may be absent.
// A Verbatim message is sent as stored, without running its preparator.
type MessageSlot struct {
	Message  minitls.ProtocolMessage
	Required bool
	Verbatim bool
}

// Expect returns a required slot for msg.
func Expect(msg minitls.ProtocolMessage) *MessageSlot {
	return &MessageSlot{Message: msg, Required: true}
}

// Optional returns a slot that may be absent.
func Optional(msg minitls.ProtocolMessage) *MessageSlot {
	return &MessageSlot{Message: msg}
}

// Action is one send or receive step. Sender is the peer that emits the
// messages; Timeout bounds a receive action and defaults to the Config's
// ReceiveTimeout.
type Action struct {
	Kind    ActionKind
	Sender  minitls.ConnectionEnd
	Slots   []*MessageSlot
	Timeout time.Duration
}

// NewAction builds the action for messages sent by sender, as seen from end:
// our own messages are sent, the peer's are received.
func NewAction(end, sender minitls.ConnectionEnd, slots ...*MessageSlot) *Action {
	kind := Receive
	if sender == end {
		kind = Send
	}
	return &Action{Kind: kind, Sender: sender, Slots: slots}
}

func (a *Action) String() string {
	names := make([]string, len(a.Slots))
	for i, s := range a.Slots {
		names[i] = s.Message.Kind().String()
		if !s.Required {
			names[i] += "?"
		}
	}
	return fmt.Sprintf("%s %s [%s]", a.Kind, a.Sender, strings.Join(names, ", "))
}

// Trace is an ordered, append-only list of actions.
type Trace struct {
	Actions []*Action
}

func NewTrace(actions ...*Action) *Trace {
	return &Trace{Actions: actions}
}

// Add appends actions and returns the trace.
func (t *Trace) Add(actions ...*Action) *Trace {
	t.Actions = append(t.Actions, actions...)
	return t
}

func (t *Trace) String() string {
	var b strings.Builder
	for i, a := range t.Actions {
		fmt.Fprintf(&b, "%d: %s\n", i, a)
	}
	return b.String()
}
