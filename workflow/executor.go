package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"tls-workbench/minitls"
	"tls-workbench/shared"
	"tls-workbench/transport"
)

const defaultReceiveTimeout = time.Second

var errEndOfStream = errors.New("connection closed by peer")

// Policy decides what a failure does to the rest of a trace. CryptoError,
// ConfigurationError and transport failures always halt.
type Policy struct {
	// StrictProtocol halts at the first ParseError or required-slot
	// ProtocolViolation. When false the trace runs to the end and still ends
	// FAILED.
	StrictProtocol bool
	// StopAfterFatalAlert halts after an action that sent or received a fatal
	// alert.
	StopAfterFatalAlert bool
}

// DefaultPolicy halts on the first violation.
func DefaultPolicy() Policy {
	return Policy{StrictProtocol: true}
}

// Executor runs traces. It holds no per-trace state and may run many traces
// concurrently, each with its own Context and transport.
type Executor struct {
	logger *shared.Logger
	policy Policy
}

func NewExecutor(logger *shared.Logger, policy Policy) *Executor {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Executor{logger: logger, policy: policy}
}

// Policy returns the executor's failure policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs trace over tr, strictly in order. tlsCtx must be fresh; it is
// left in its final state for inspection.
func (e *Executor) Execute(ctx context.Context, trace *Trace, tlsCtx *minitls.Context, tr transport.Transport) *TraceResult {
	result := newTraceResult()
	traceLogger := &shared.Logger{Logger: e.logger.WithTrace(result.ID.String())}
	r := &run{
		ctx:    ctx,
		policy: e.policy,
		tls:    tlsCtx,
		tr:     tr,
		reader: minitls.NewMessageReader(tlsCtx),
		result: result,
	}
	traceLogger.Info("executing trace",
		zap.Int("actions", len(trace.Actions)),
		zap.Stringer("end", tlsCtx.ConnectionEnd),
		zap.Stringer("version", tlsCtx.Version()))

	for i, a := range trace.Actions {
		r.logger = traceLogger.WithAction(i)
		if err := ctx.Err(); err != nil {
			result.fail(i, -1, err)
			result.Halted = true
			break
		}
		var (
			ar   ActionResult
			halt bool
		)
		if a.Kind == Send {
			ar, halt = r.send(i, a)
		} else {
			ar, halt = r.receive(i, a)
		}
		result.Actions = append(result.Actions, ar)
		if halt {
			result.Halted = i < len(trace.Actions)-1
			break
		}
	}

	result.Duration = time.Since(result.StartedAt)
	fields := []zap.Field{
		zap.String("status", string(result.Status)),
		zap.Int("failures", len(result.Failures)),
		zap.Duration("duration", result.Duration),
	}
	if err := result.Err(); err != nil {
		traceLogger.Warn("trace failed", append(fields, zap.Error(err))...)
	} else {
		traceLogger.Info("trace passed", fields...)
	}
	return result
}

// run is the state of one Execute call.
type run struct {
	ctx    context.Context
	policy Policy
	tls    *minitls.Context
	tr     transport.Transport
	reader *minitls.MessageReader
	result *TraceResult
	logger *zap.Logger
	eof    bool
}

// halts applies the policy to err.
func (r *run) halts(err error) bool {
	kind := minitls.KindOf(err)
	if kind == 0 || kind.Fatal() {
		return true
	}
	return r.policy.StrictProtocol
}

func (r *run) send(index int, a *Action) (ActionResult, bool) {
	ar := ActionResult{Index: index, Kind: a.Kind.String(), Sender: a.Sender.String()}
	r.tls.TalkingEnd = a.Sender
	halt := false

	var wire []byte
	for i, slot := range a.Slots {
		msg := slot.Message
		mr := MessageResult{
			Index:    i,
			Expected: msg.Kind().String(),
			Actual:   msg.Kind().String(),
			Required: slot.Required,
			Message:  msg,
		}
		raw, records, err := r.emit(slot)
		wire = append(wire, records...)
		if err != nil {
			mr.Error = err.Error()
			ar.Messages = append(ar.Messages, mr)
			r.result.fail(index, i, err)
			r.logger.Warn("failed to send message", zap.Stringer("kind", msg.Kind()), zap.Error(err))
			if r.halts(err) {
				halt = true
				break
			}
			continue
		}
		mr.Matched = true
		mr.Raw = hexString(raw)
		ar.Messages = append(ar.Messages, mr)
		r.noteAlert(&ar, msg)
		r.logger.Debug("sending message", zap.Stringer("kind", msg.Kind()), zap.Int("length", len(raw)))
	}

	// Records produced before a failure are still sent: their sequence
	// numbers are already spent.
	if len(wire) > 0 {
		if err := r.tr.Send(r.ctx, wire); err != nil {
			ar.Error = err.Error()
			r.result.fail(index, -1, err)
			return ar, true
		}
	}
	return ar, halt || r.stopAfterAlert(&ar)
}

// emit prepares (unless verbatim), serializes, protects and handles one
// message. The handler runs after the records are written so key changes
// apply to the next message.
func (r *run) emit(slot *MessageSlot) (raw, records []byte, err error) {
	msg := slot.Message
	if !slot.Verbatim {
		if err := minitls.Prepare(r.tls, msg); err != nil {
			return nil, nil, err
		}
	}
	raw, err = minitls.Serialize(r.tls, msg)
	if err != nil {
		return nil, nil, err
	}
	records, err = r.tls.WriteRecords(msg.Kind().ContentType(), raw)
	if err != nil {
		return raw, nil, err
	}
	if err := minitls.Handle(r.tls, msg, raw); err != nil {
		return raw, records, err
	}
	return raw, records, nil
}

func (r *run) receive(index int, a *Action) (ActionResult, bool) {
	ar := ActionResult{Index: index, Kind: a.Kind.String(), Sender: a.Sender.String()}
	r.tls.TalkingEnd = a.Sender

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = r.tls.Config.ReceiveTimeout
	}
	if timeout <= 0 {
		timeout = defaultReceiveTimeout
	}
	deadline := time.Now().Add(timeout)

	slot := 0
	for slot < len(a.Slots) {
		rm, err := r.next(deadline)
		if errors.Is(err, transport.ErrTimeout) || errors.Is(err, errEndOfStream) {
			return ar, r.missing(index, a, slot, &ar, err, timeout) || r.stopAfterAlert(&ar)
		}
		if err != nil {
			ar.Messages = append(ar.Messages, MessageResult{
				Index:    slot,
				Expected: a.Slots[slot].Message.Kind().String(),
				Required: a.Slots[slot].Required,
				Error:    err.Error(),
			})
			r.result.fail(index, slot, err)
			r.logger.Warn("failed to read message", zap.Error(err))
			if r.halts(err) {
				return ar, true
			}
			continue
		}

		actual := rm.Message.Kind()
		for slot < len(a.Slots) && !a.Slots[slot].Required && a.Slots[slot].Message.Kind() != actual {
			ar.Messages = append(ar.Messages, MessageResult{
				Index:    slot,
				Expected: a.Slots[slot].Message.Kind().String(),
				Skipped:  true,
			})
			slot++
		}
		if slot == len(a.Slots) {
			// Only optional slots were left; the message is for a later action.
			r.reader.Unread(rm)
			break
		}

		expected := a.Slots[slot]
		mr := MessageResult{
			Index:    slot,
			Expected: expected.Message.Kind().String(),
			Actual:   actual.String(),
			Required: expected.Required,
			Partial:  minitls.IsPartial(rm.Message),
			Raw:      hexString(rm.Raw),
			Message:  rm.Message,
		}
		var failure error
		if actual != expected.Message.Kind() {
			failure = minitls.NewError(minitls.ProtocolViolation, "receive",
				fmt.Sprintf("expected %s, received %s", expected.Message.Kind(), actual), nil)
		} else {
			mr.Matched = true
		}
		// The handler runs for every received message so the Context follows
		// what the peer actually did.
		if err := minitls.Handle(r.tls, rm.Message, rm.Raw); err != nil && failure == nil {
			failure = err
		}
		r.noteAlert(&ar, rm.Message)
		r.logger.Debug("received message",
			zap.Stringer("kind", actual),
			zap.Bool("matched", mr.Matched),
			zap.Bool("partial", mr.Partial))
		if failure != nil {
			mr.Error = failure.Error()
		}
		ar.Messages = append(ar.Messages, mr)
		slot++
		if failure != nil {
			r.result.fail(index, mr.Index, failure)
			if r.halts(failure) {
				return ar, true
			}
		}
	}
	return ar, r.stopAfterAlert(&ar)
}

// missing records the slots from slot on that never arrived. Optional slots
// are skipped; a required one is a violation.
func (r *run) missing(index int, a *Action, slot int, ar *ActionResult, cause error, timeout time.Duration) bool {
	reason := fmt.Sprintf("timed out after %s", timeout)
	if errors.Is(cause, errEndOfStream) {
		reason = cause.Error()
	}
	for ; slot < len(a.Slots); slot++ {
		s := a.Slots[slot]
		mr := MessageResult{Index: slot, Expected: s.Message.Kind().String(), Required: s.Required}
		if !s.Required {
			mr.Skipped = true
			ar.Messages = append(ar.Messages, mr)
			continue
		}
		err := minitls.NewError(minitls.ProtocolViolation, "receive",
			fmt.Sprintf("expected %s, %s", s.Message.Kind(), reason), cause)
		mr.Error = err.Error()
		ar.Messages = append(ar.Messages, mr)
		r.result.fail(index, slot, err)
		r.logger.Warn("expected message not received", zap.Stringer("kind", s.Message.Kind()), zap.String("reason", reason))
		if r.halts(err) {
			return true
		}
	}
	return false
}

// next returns the next message, reading from the transport until deadline.
// When no more bytes will come a truncated message is decoded leniently.
func (r *run) next(deadline time.Time) (*minitls.ReceivedMessage, error) {
	for {
		m, err := r.reader.Next()
		if m != nil || err != nil {
			return m, err
		}
		if r.eof {
			return r.flushOr(errEndOfStream)
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return r.flushOr(transport.ErrTimeout)
		}
		data, err := r.tr.Receive(r.ctx, wait)
		switch {
		case errors.Is(err, transport.ErrTimeout):
			return r.flushOr(err)
		case errors.Is(err, io.EOF):
			r.eof = true
		case err != nil:
			return nil, err
		default:
			r.reader.Feed(data)
		}
	}
}

func (r *run) flushOr(cause error) (*minitls.ReceivedMessage, error) {
	m, err := r.reader.Flush()
	if m != nil || err != nil {
		return m, err
	}
	return nil, cause
}

func (r *run) noteAlert(ar *ActionResult, msg minitls.ProtocolMessage) {
	alert, ok := msg.(*minitls.AlertMessage)
	if !ok || alert.Level != minitls.AlertLevelFatal {
		return
	}
	ar.Alert = alert.Description.String()
	r.logger.Info("fatal alert",
		zap.Stringer("description", alert.Description),
		zap.Stringer("sender", r.tls.TalkingEnd))
}

func (r *run) stopAfterAlert(ar *ActionResult) bool {
	return r.policy.StopAfterFatalAlert && ar.Alert != ""
}
