package resilience

import (
	stdErrors "errors"
	"fmt"
	"maps"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindStorage    Kind = "storage"
	KindNetwork    Kind = "network"
	KindBusiness   Kind = "business"
	KindSystem     Kind = "system"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

type Metadata struct {
	DefaultSeverity Severity
	Recoverable     bool
	// ShowRaw reports whether the error's own message is safe to show to the
	// operator. Otherwise MessageID selects a translated generic message.
	ShowRaw       bool
	MessageID     string
	PublicMessage string
}

var metadataByKind = map[Kind]Metadata{
	KindValidation: {
		DefaultSeverity: SeverityLow,
		Recoverable:     true,
		ShowRaw:         true,
		MessageID:       "error.validation",
		PublicMessage:   "Please check the entered data.",
	},
	KindStorage: {
		DefaultSeverity: SeverityHigh,
		Recoverable:     true,
		MessageID:       "error.storage",
		PublicMessage:   "Local storage problem. Some data may not have been saved.",
	},
	KindNetwork: {
		DefaultSeverity: SeverityMedium,
		Recoverable:     true,
		MessageID:       "error.network",
		PublicMessage:   "Connection problem. Working offline.",
	},
	KindBusiness: {
		DefaultSeverity: SeverityMedium,
		Recoverable:     true,
		ShowRaw:         true,
		MessageID:       "error.business",
		PublicMessage:   "The operation is not allowed.",
	},
	KindSystem: {
		DefaultSeverity: SeverityHigh,
		Recoverable:     false,
		MessageID:       "error.system",
		PublicMessage:   "Unexpected error. Please try again.",
	},
}

func MetadataFor(kind Kind) Metadata {
	if meta, ok := metadataByKind[kind]; ok {
		return meta
	}
	return metadataByKind[KindSystem]
}

type Error struct {
	kind     Kind
	severity Severity
	message  string
	cause    error
	context  map[string]any
}

func New(kind Kind, message string) *Error {
	return &Error{kind: kind, severity: MetadataFor(kind).DefaultSeverity, message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies err. An empty message keeps the cause's message.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return New(kind, message)
	}
	if message == "" {
		message = err.Error()
	}
	return &Error{kind: kind, severity: MetadataFor(kind).DefaultSeverity, message: message, cause: err}
}

func (e *Error) Kind() Kind {
	if e == nil {
		return KindSystem
	}
	return e.kind
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityHigh
	}
	return e.severity
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Context() map[string]any {
	if e == nil {
		return nil
	}
	return maps.Clone(e.context)
}

func (e *Error) WithSeverity(severity Severity) *Error {
	if e == nil {
		return nil
	}
	e.severity = severity
	return e
}

func (e *Error) WithContext(key string, value any) *Error {
	if e == nil {
		return nil
	}
	if e.context == nil {
		e.context = make(map[string]any)
	}
	e.context[key] = value
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil && e.cause.Error() != e.message {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are system errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind()
	}
	return KindSystem
}

func SeverityOf(err error) Severity {
	if e, ok := As(err); ok {
		return e.Severity()
	}
	return SeverityHigh
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind() == kind
}
