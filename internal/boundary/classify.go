package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"
)

// Kind is the closed set of error classes the boundary reports.
type Kind int

const (
	KindNetwork Kind = iota
	KindDataFormat
	KindContext
	KindType
	KindAPILimit
	KindUnknown

	kindCount
)

var kindCodes = [kindCount]string{
	KindNetwork:    "NETWORK_ERROR",
	KindDataFormat: "DATA_FORMAT_ERROR",
	KindContext:    "CONTEXT_ERROR",
	KindType:       "TYPE_ERROR",
	KindAPILimit:   "API_LIMIT_ERROR",
	KindUnknown:    "UNKNOWN_ERROR",
}

// String returns the diagnostic code, e.g. "NETWORK_ERROR".
func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return kindCodes[KindUnknown]
	}
	return kindCodes[k]
}

// Recoverable reports whether callers should treat the class as a warning.
// Context and type errors are not recoverable.
func (k Kind) Recoverable() bool {
	return k != KindContext && k != KindType
}

// ClassifiedError is the error returned once the boundary gives up.
type ClassifiedError struct {
	Kind      Kind
	Module    string
	Attempts  int
	Timestamp time.Time
	Err       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s in %s: %v", e.Kind, e.Module, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Recoverable reports whether the error class is recoverable.
func (e *ClassifiedError) Recoverable() bool { return e.Kind.Recoverable() }

// panicError wraps a value recovered from a panicking operation.
type panicError struct {
	value any
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func (p *panicError) Unwrap() error {
	if err, ok := p.value.(error); ok {
		return err
	}
	return nil
}

// Classify maps err into a Kind by inspecting its type, then its message,
// then the module it came from.
func Classify(module string, err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		backendErr     *BackendError
		unavailableErr *UnavailableError
		parseErr       *ParseError
		cfgErr         *ConfigurationError
		stateErr       *InvalidStateError
		notFoundErr    *NotFoundError
		syntaxErr      *json.SyntaxError
		typeErr        *json.UnmarshalTypeError
		netErr         net.Error
		runtimeErr     runtime.Error
		pErr           *panicError
	)

	switch {
	case errors.As(err, &backendErr):
		if backendErr.StatusCode == http.StatusTooManyRequests {
			return KindAPILimit
		}
		return KindNetwork
	case errors.As(err, &unavailableErr):
		return KindNetwork
	case errors.As(err, &parseErr), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return KindDataFormat
	case errors.As(err, &cfgErr), errors.As(err, &stateErr), errors.As(err, &notFoundErr):
		return KindContext
	case errors.As(err, &runtimeErr), errors.As(err, &pErr):
		return KindType
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return KindNetwork
	case errors.Is(err, context.Canceled):
		return KindContext
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "too many requests", "quota", "429"):
		return KindAPILimit
	case containsAny(msg, "network", "connection", "timeout", "fetch", "unreachable", "eof"):
		return KindNetwork
	case containsAny(msg, "json", "parse", "unexpected token", "malformed"):
		return KindDataFormat
	case containsAny(msg, "context", "no chat", "not selected"):
		return KindContext
	case containsAny(msg, "nil pointer", "type assertion", "interface conversion"):
		return KindType
	}

	module = strings.ToLower(module)
	switch {
	case containsAny(module, "gateway", "ollama", "primary"):
		return KindNetwork
	case containsAny(module, "parser"):
		return KindDataFormat
	}
	return KindUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
