package workflow

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gojson "github.com/coreos/go-json"
	"github.com/xeipuuv/gojsonschema"

	"tls-workbench/minitls"
)

// A trace document is JSON:
//
//	{"actions": [
//	  {"sender": "CLIENT", "messages": [{"kind": "CLIENT_HELLO"}]},
//	  {"sender": "SERVER", "timeout": "2s", "messages": [
//	    {"kind": "SERVER_HELLO"}, {"kind": "CERTIFICATE_REQUEST", "required": false}]},
//	  {"sender": "CLIENT", "messages": [{"kind": "ALERT", "raw": "0228"}]}
//	]}
//
// "kind" on an action (SEND or RECEIVE) is derived from the sender when
// omitted. "raw" is the hex encoded message, sent verbatim. Raw messages are
// decoded in the layout of "version" (for example "TLS13"), or of the
// configured highest version when it is absent.
type traceDocument struct {
	Version string           `json:"version,omitempty"`
	Actions []actionDocument `json:"actions"`
}

type actionDocument struct {
	Kind     string            `json:"kind,omitempty"`
	Sender   string            `json:"sender"`
	Timeout  string            `json:"timeout,omitempty"`
	Messages []messageDocument `json:"messages"`
}

type messageDocument struct {
	Kind     string `json:"kind"`
	Required *bool  `json:"required,omitempty"`
	Raw      string `json:"raw,omitempty"`
}

func traceSchemaDocument() map[string]interface{} {
	kinds := make([]interface{}, 0, len(minitls.MessageKinds()))
	for _, k := range minitls.MessageKinds() {
		kinds = append(kinds, k.String())
	}
	versions := make([]interface{}, 0, len(minitls.ProtocolVersions()))
	for _, v := range minitls.ProtocolVersions() {
		versions = append(versions, v.String())
	}
	message := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"kind"},
		"properties": map[string]interface{}{
			"kind":     map[string]interface{}{"enum": kinds},
			"required": map[string]interface{}{"type": "boolean"},
			"raw":      map[string]interface{}{"type": "string", "pattern": "^([0-9a-fA-F]{2})*$"},
		},
		"additionalProperties": false,
	}
	action := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"sender", "messages"},
		"properties": map[string]interface{}{
			"kind":     map[string]interface{}{"enum": []interface{}{"SEND", "RECEIVE"}},
			"sender":   map[string]interface{}{"enum": []interface{}{"CLIENT", "SERVER"}},
			"timeout":  map[string]interface{}{"type": "string", "minLength": 1},
			"messages": map[string]interface{}{"type": "array", "minItems": 1, "items": message},
		},
		"additionalProperties": false,
	}
	return map[string]interface{}{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"type":     "object",
		"required": []interface{}{"actions"},
		"properties": map[string]interface{}{
			"version": map[string]interface{}{"enum": versions},
			"actions": map[string]interface{}{"type": "array", "items": action},
		},
		"additionalProperties": false,
	}
}

// compiledTraceSchema is built once; a compiled schema is read-only.
var compiledTraceSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(traceSchemaDocument()))
})

// LoadTrace parses and validates a trace document. Messages with raw bytes
// are decoded with a Context built from cfg. Errors are ConfigurationErrors
// that name the line and column of the offending value.
func LoadTrace(data []byte, cfg *minitls.Config) (*Trace, error) {
	const op = "load trace"
	if cfg == nil {
		cfg = minitls.DefaultConfig()
	}

	var doc traceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			line, col := lineColumn(data, int(syntaxErr.Offset))
			return nil, traceFileError(op, fmt.Sprintf("line %d, column %d: %v", line, col, err))
		}
		if err := validateTraceDocument(data); err != nil {
			return nil, err
		}
		return nil, traceFileError(op, err.Error())
	}
	if err := validateTraceDocument(data); err != nil {
		return nil, err
	}

	scratch := minitls.NewContext(cfg, nil)
	scratch.SelectedVersion = cfg.HighestVersion
	if doc.Version != "" {
		v, err := minitls.ParseProtocolVersion(doc.Version)
		if err != nil {
			return nil, traceFileError(op, err.Error())
		}
		scratch.SelectedVersion = v
	}
	trace := NewTrace()
	for i, ad := range doc.Actions {
		a, err := ad.action(cfg.ConnectionEnd, scratch)
		if err != nil {
			return nil, traceFileError(op, fmt.Sprintf("action %d: %v", i, err))
		}
		trace.Add(a)
	}
	return trace, nil
}

func (ad actionDocument) action(end minitls.ConnectionEnd, scratch *minitls.Context) (*Action, error) {
	sender, err := minitls.ParseConnectionEnd(ad.Sender)
	if err != nil {
		return nil, err
	}
	a := NewAction(end, sender)
	if ad.Kind != "" {
		if a.Kind, err = ParseActionKind(ad.Kind); err != nil {
			return nil, err
		}
	}
	if ad.Timeout != "" {
		if a.Timeout, err = time.ParseDuration(ad.Timeout); err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
	}
	for j, md := range ad.Messages {
		slot, err := md.slot(scratch)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", j, err)
		}
		a.Slots = append(a.Slots, slot)
	}
	return a, nil
}

func (md messageDocument) slot(scratch *minitls.Context) (*MessageSlot, error) {
	kind, err := minitls.ParseMessageKind(md.Kind)
	if err != nil {
		return nil, err
	}
	slot := &MessageSlot{Required: md.Required == nil || *md.Required}
	if md.Raw == "" {
		slot.Message, err = minitls.NewMessage(kind)
		return slot, err
	}
	raw, err := hex.DecodeString(md.Raw)
	if err != nil {
		return nil, fmt.Errorf("invalid raw bytes: %w", err)
	}
	if slot.Message, err = minitls.DecodeMessage(scratch, kind, raw); err != nil {
		return nil, err
	}
	slot.Verbatim = true
	return slot, nil
}

// validateTraceDocument checks data against the trace schema and locates the
// first few violations in the source.
func validateTraceDocument(data []byte) error {
	const op = "validate trace"
	schema, err := compiledTraceSchema()
	if err != nil {
		return traceFileError(op, fmt.Sprintf("failed to compile trace schema: %v", err))
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return traceFileError(op, err.Error())
	}
	if result.Valid() {
		return nil
	}

	var root gojson.Node
	located := gojson.Unmarshal(data, &root) == nil
	var b strings.Builder
	for _, e := range result.Errors() {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		if located {
			if n, err := findNode(&root, fieldSegments(e.Field())); err == nil {
				line, col := lineColumn(data, n.Start)
				fmt.Fprintf(&b, "line %d, column %d: ", line, col)
			}
		}
		b.WriteString(e.String())
	}
	return traceFileError(op, b.String())
}

// fieldSegments splits a gojsonschema field path ("actions.0.sender").
func fieldSegments(field string) []string {
	if field == "" || field == "(root)" {
		return nil
	}
	return strings.Split(field, ".")
}

// findNode walks a coreos/go-json Node tree following the provided segments.
func findNode(node *gojson.Node, segments []string) (*gojson.Node, error) {
	cur := node
	for i, seg := range segments {
		switch v := cur.Value.(type) {
		case map[string]gojson.Node:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("object key %q not found at segment %d", seg, i)
			}
			cur = &next
		case []gojson.Node:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index %q at segment %d", seg, i)
			}
			cur = &v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at segment %d", v, i)
		}
	}
	return cur, nil
}

// lineColumn converts a byte offset to 1-based line and column.
func lineColumn(data []byte, offset int) (int, int) {
	if offset > len(data) {
		offset = len(data)
	}
	if offset < 0 {
		offset = 0
	}
	before := data[:offset]
	line := bytes.Count(before, []byte("\n")) + 1
	col := offset - bytes.LastIndexByte(before, '\n')
	return line, col
}

func traceFileError(op, msg string) error {
	return minitls.NewError(minitls.ConfigurationError, op, msg, nil)
}

// EncodeTrace writes trace as a trace document. Verbatim messages keep their
// bytes; ctx supplies the framing.
func EncodeTrace(trace *Trace, ctx *minitls.Context) ([]byte, error) {
	doc := traceDocument{
		Version: ctx.Version().String(),
		Actions: make([]actionDocument, 0, len(trace.Actions)),
	}
	for _, a := range trace.Actions {
		ad := actionDocument{Kind: a.Kind.String(), Sender: a.Sender.String()}
		if a.Timeout > 0 {
			ad.Timeout = a.Timeout.String()
		}
		for _, s := range a.Slots {
			md := messageDocument{Kind: s.Message.Kind().String()}
			if !s.Required {
				required := false
				md.Required = &required
			}
			if s.Verbatim {
				raw, err := minitls.Serialize(ctx, s.Message)
				if err != nil {
					return nil, err
				}
				md.Raw = hex.EncodeToString(raw)
			}
			ad.Messages = append(ad.Messages, md)
		}
		doc.Actions = append(doc.Actions, ad)
	}
	return json.MarshalIndent(doc, "", "  ")
}
