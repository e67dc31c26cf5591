package minitls

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so a trace runner can decide whether to continue.
type ErrorKind int

const (
	// ParseError: bytes that cannot be associated with any known message type.
	ParseError ErrorKind = iota + 1
	// CryptoError: key derivation or record transform failure (bad tag, bad padding,
	// unsupported algorithm or key size).
	CryptoError
	// ProtocolViolation: a decoded message does not match what the trace expected.
	ProtocolViolation
	// ConfigurationError: the caller asked for an unsupported combination.
	ConfigurationError
)

func (k ErrorKind) String() string {
	switch k {
	case ParseError:
		return "ParseError"
	case CryptoError:
		return "CryptoError"
	case ProtocolViolation:
		return "ProtocolViolation"
	case ConfigurationError:
		return "ConfigurationError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Fatal reports whether errors of this kind abort a trace regardless of policy.
func (k ErrorKind) Fatal() bool {
	return k == CryptoError || k == ConfigurationError
}

// Error is the structured error returned by the codec, the key schedule and the
// record layer.
type Error struct {
	Kind    ErrorKind
	Op      string // operation that failed, e.g. "decrypt record"
	Message string
	Err     error // Underlying error if any
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Op != "" {
		prefix += " (" + e.Op + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return prefix + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AlertLevel returns the TLS alert level for this error
func (e *Error) AlertLevel() AlertLevel {
	return AlertLevelFatal
}

// AlertDescription returns the TLS alert a peer would send for this error
func (e *Error) AlertDescription() AlertDescription {
	switch e.Kind {
	case ParseError:
		return AlertDecodeError
	case CryptoError:
		if errors.Is(e.Err, errBadRecordMAC) {
			return AlertBadRecordMAC
		}
		return AlertDecryptError
	case ProtocolViolation:
		return AlertUnexpectedMessage
	default:
		return AlertInternalError
	}
}

// errBadRecordMAC is wrapped by record-level authentication failures.
var errBadRecordMAC = errors.New("bad record mac")

func parseError(op, msg string) error {
	return &Error{Kind: ParseError, Op: op, Message: msg}
}

func cryptoError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind == CryptoError {
		return err
	}
	return &Error{Kind: CryptoError, Op: op, Message: "cryptographic operation failed", Err: err}
}

func cryptoErrorf(op, format string, args ...any) error {
	return &Error{Kind: CryptoError, Op: op, Message: fmt.Sprintf(format, args...)}
}

func protocolViolation(op, msg string) error {
	return &Error{Kind: ProtocolViolation, Op: op, Message: msg}
}

func configurationError(op, msg string) error {
	return &Error{Kind: ConfigurationError, Op: op, Message: msg}
}

// NewError builds an Error for callers outside this package (the executor and the
// trace factory report their own violations with it).
func NewError(kind ErrorKind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
