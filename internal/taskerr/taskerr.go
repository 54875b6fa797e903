// Package taskerr defines the closed set of failure kinds an activity can
// produce and the classifier that maps arbitrary errors onto them.
package taskerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is one member of the failure taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindDatabaseConnection
	KindDatabaseTimeout
	KindDatabaseDeadlock
	KindNetworkTimeout
	KindNetworkConnectionRefused
	KindServiceUnavailable
	KindResourceExhausted
	KindInternalServerError
	KindNonRetryable

	kindCount
)

type kindInfo struct {
	name      string
	retryable bool
	status    int
	message   string
}

// kindTable is the only place retry eligibility is decided.
var kindTable = [kindCount]kindInfo{
	KindUnknown:                  {name: "Unknown", retryable: false, status: http.StatusInternalServerError, message: "unknown failure"},
	KindDatabaseConnection:       {name: "DatabaseConnection", retryable: true, status: http.StatusServiceUnavailable, message: "database connection refused"},
	KindDatabaseTimeout:          {name: "DatabaseTimeout", retryable: true, status: http.StatusGatewayTimeout, message: "database query exceeded deadline"},
	KindDatabaseDeadlock:         {name: "DatabaseDeadlock", retryable: true, status: http.StatusServiceUnavailable, message: "database transaction aborted by deadlock"},
	KindNetworkTimeout:           {name: "NetworkTimeout", retryable: true, status: http.StatusGatewayTimeout, message: "upstream call exceeded deadline"},
	KindNetworkConnectionRefused: {name: "NetworkConnectionRefused", retryable: true, status: http.StatusBadGateway, message: "upstream connection refused"},
	KindServiceUnavailable:       {name: "ServiceUnavailable", retryable: true, status: http.StatusServiceUnavailable, message: "upstream service unavailable"},
	KindResourceExhausted:        {name: "ResourceExhausted", retryable: true, status: http.StatusServiceUnavailable, message: "resource limit reached"},
	KindInternalServerError:      {name: "InternalServerError", retryable: false, status: http.StatusInternalServerError, message: "internal server error"},
	KindNonRetryable:             {name: "NonRetryable", retryable: false, status: http.StatusInternalServerError, message: "permanent failure"},
}

// AllKinds returns every classifiable kind in declaration order.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, kindCount-1)
	for k := KindDatabaseConnection; k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

func (k Kind) info() kindInfo {
	if k <= KindUnknown || k >= kindCount {
		return kindTable[KindUnknown]
	}
	return kindTable[k]
}

// Valid reports whether k is a member of the taxonomy.
func (k Kind) Valid() bool {
	return k > KindUnknown && k < kindCount
}

// String returns the kind's canonical name.
func (k Kind) String() string {
	return k.info().name
}

// Retryable reports whether failures of this kind may be re-attempted.
func (k Kind) Retryable() bool {
	return k.info().retryable
}

// HTTPStatus returns the suggested transport status for the kind.
func (k Kind) HTTPStatus() int {
	return k.info().status
}

// DefaultMessage returns the message used when a failure carries none.
func (k Kind) DefaultMessage() string {
	return k.info().message
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("taskerr: invalid kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind resolves a kind from its name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(s)
	for _, k := range AllKinds() {
		if strings.EqualFold(k.String(), s) {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("taskerr: unknown kind %q", s)
}

// ParseKinds parses a comma separated list of kind names. Empty input yields nil.
func ParseKinds(list string) ([]Kind, error) {
	var kinds []Kind
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := ParseKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Error is a classified failure. Attempt is the attempt on which it occurred,
// or, on a terminal result, the number of attempts made.
type Error struct {
	Kind    Kind
	Message string
	Attempt int
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.DefaultMessage()
	}
	if e.Attempt > 0 {
		return fmt.Sprintf("%s: %s (attempt %d)", e.Kind, msg, e.Attempt)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the failure's kind allows another attempt.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New returns a failure of the given kind.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = kind.DefaultMessage()
	}
	return &Error{Kind: kind, Message: message}
}

// Newf returns a failure of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies err explicitly as kind, keeping it as the cause.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Cause: err}
}

// NonRetryable marks err as a permanent failure.
func NonRetryable(err error) *Error {
	return Wrap(KindNonRetryable, err)
}

// KindOf returns the kind err classifies as.
func KindOf(err error) Kind {
	if c := Classify(err); c != nil {
		return c.Kind
	}
	return KindUnknown
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError extracts a classified failure from err's chain without classifying.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
