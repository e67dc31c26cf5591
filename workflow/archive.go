package workflow

import (
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"tls-workbench/minitls"
)

// Archive is the binary form of an executed trace: every slot with the bytes
// that were sent or received in it. Archives feed fuzzing corpora and replay
// a run through the codec.
//
// Wire format (protobuf encoding, no schema file):
//
//	Archive: 1 version (varint), 2 end (varint), 3 action (bytes, repeated)
//	Action:  1 kind, 2 sender, 3 timeout_ms (varint), 4 slot (bytes, repeated)
//	Slot:    1 message kind, 2 required (varint), 3 raw (bytes)
type Archive struct {
	Version minitls.ProtocolVersion
	End     minitls.ConnectionEnd
	Actions []ArchivedAction
}

type ArchivedAction struct {
	Kind    ActionKind
	Sender  minitls.ConnectionEnd
	Timeout time.Duration
	Slots   []ArchivedSlot
}

// ArchivedSlot holds a slot's message bytes, empty when nothing was sent or
// received in it.
type ArchivedSlot struct {
	Kind     minitls.MessageKind
	Required bool
	Raw      []byte
}

const (
	archiveVersionField protowire.Number = 1
	archiveEndField     protowire.Number = 2
	archiveActionField  protowire.Number = 3

	actionKindField    protowire.Number = 1
	actionSenderField  protowire.Number = 2
	actionTimeoutField protowire.Number = 3
	actionSlotField    protowire.Number = 4

	slotKindField     protowire.Number = 1
	slotRequiredField protowire.Number = 2
	slotRawField      protowire.Number = 3
)

// NewArchive captures trace together with the bytes result recorded for each
// slot. tlsCtx is the Context the trace ran with.
func NewArchive(trace *Trace, result *TraceResult, tlsCtx *minitls.Context) *Archive {
	a := &Archive{Version: tlsCtx.Version(), End: tlsCtx.ConnectionEnd}
	for i, action := range trace.Actions {
		aa := ArchivedAction{Kind: action.Kind, Sender: action.Sender, Timeout: action.Timeout}
		for j, slot := range action.Slots {
			as := ArchivedSlot{Kind: slot.Message.Kind(), Required: slot.Required}
			if mr := result.message(i, j); mr != nil && mr.Raw != "" {
				as.Raw, _ = hex.DecodeString(mr.Raw)
				if mr.Message != nil {
					as.Kind = mr.Message.Kind()
				}
			}
			aa.Slots = append(aa.Slots, as)
		}
		a.Actions = append(a.Actions, aa)
	}
	return a
}

// message returns the result recorded for slot j of action i, if any.
func (r *TraceResult) message(i, j int) *MessageResult {
	if r == nil {
		return nil
	}
	for k := range r.Actions {
		if r.Actions[k].Index != i {
			continue
		}
		for m := range r.Actions[k].Messages {
			if mr := &r.Actions[k].Messages[m]; mr.Index == j && !mr.Skipped {
				return mr
			}
		}
	}
	return nil
}

// Marshal encodes the archive.
func (a *Archive) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, archiveVersionField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Version))
	b = protowire.AppendTag(b, archiveEndField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.End))
	for _, action := range a.Actions {
		b = protowire.AppendTag(b, archiveActionField, protowire.BytesType)
		b = protowire.AppendBytes(b, action.marshal())
	}
	return b
}

func (aa *ArchivedAction) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, actionKindField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(aa.Kind))
	b = protowire.AppendTag(b, actionSenderField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(aa.Sender))
	if aa.Timeout > 0 {
		b = protowire.AppendTag(b, actionTimeoutField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(aa.Timeout.Milliseconds()))
	}
	for _, s := range aa.Slots {
		var sb []byte
		sb = protowire.AppendTag(sb, slotKindField, protowire.VarintType)
		sb = protowire.AppendVarint(sb, uint64(s.Kind))
		sb = protowire.AppendTag(sb, slotRequiredField, protowire.VarintType)
		sb = protowire.AppendVarint(sb, protowire.EncodeBool(s.Required))
		if len(s.Raw) > 0 {
			sb = protowire.AppendTag(sb, slotRawField, protowire.BytesType)
			sb = protowire.AppendBytes(sb, s.Raw)
		}
		b = protowire.AppendTag(b, actionSlotField, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	return b
}

// UnmarshalArchive decodes an archive. Unknown fields are skipped.
func UnmarshalArchive(data []byte) (*Archive, error) {
	a := &Archive{}
	err := walkFields(data, func(num protowire.Number, v uint64, bytes []byte) error {
		switch num {
		case archiveVersionField:
			a.Version = minitls.ProtocolVersion(v)
		case archiveEndField:
			a.End = minitls.ConnectionEnd(v)
		case archiveActionField:
			aa, err := unmarshalAction(bytes)
			if err != nil {
				return err
			}
			a.Actions = append(a.Actions, aa)
		}
		return nil
	})
	if err != nil {
		return nil, minitls.NewError(minitls.ParseError, "unmarshal archive", "malformed archive", err)
	}
	return a, nil
}

func unmarshalAction(data []byte) (ArchivedAction, error) {
	var aa ArchivedAction
	err := walkFields(data, func(num protowire.Number, v uint64, bytes []byte) error {
		switch num {
		case actionKindField:
			aa.Kind = ActionKind(v)
		case actionSenderField:
			aa.Sender = minitls.ConnectionEnd(v)
		case actionTimeoutField:
			aa.Timeout = time.Duration(v) * time.Millisecond
		case actionSlotField:
			var s ArchivedSlot
			err := walkFields(bytes, func(num protowire.Number, v uint64, bytes []byte) error {
				switch num {
				case slotKindField:
					s.Kind = minitls.MessageKind(v)
				case slotRequiredField:
					s.Required = protowire.DecodeBool(v)
				case slotRawField:
					s.Raw = append([]byte(nil), bytes...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			aa.Slots = append(aa.Slots, s)
		}
		return nil
	})
	return aa, err
}

// walkFields calls fn for each varint or bytes field of a message; other wire
// types are skipped.
func walkFields(data []byte, fn func(num protowire.Number, v uint64, bytes []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if err := fn(num, 0, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// Trace rebuilds a replayable trace. Slots with bytes are decoded as their
// archived kind and sent verbatim; cfg supplies the Context used to decode,
// with the archived version selected.
func (a *Archive) Trace(cfg *minitls.Config) (*Trace, error) {
	if cfg == nil {
		cfg = minitls.DefaultConfig()
	}
	scratch := minitls.NewContext(cfg, nil)
	scratch.SelectedVersion = a.Version

	trace := NewTrace()
	for i, aa := range a.Actions {
		action := &Action{Kind: aa.Kind, Sender: aa.Sender, Timeout: aa.Timeout}
		if aa.Kind != Send && aa.Kind != Receive {
			return nil, minitls.NewError(minitls.ParseError, "replay archive", fmt.Sprintf("action %d: unknown action kind %d", i, aa.Kind), nil)
		}
		for j, as := range aa.Slots {
			slot := &MessageSlot{Required: as.Required}
			var err error
			if len(as.Raw) > 0 {
				slot.Message, err = minitls.DecodeMessage(scratch, as.Kind, as.Raw)
				slot.Verbatim = true
			} else {
				slot.Message, err = minitls.NewMessage(as.Kind)
			}
			if err != nil {
				return nil, fmt.Errorf("action %d, slot %d: %w", i, j, err)
			}
			action.Slots = append(action.Slots, slot)
		}
		trace.Add(action)
	}
	return trace, nil
}
