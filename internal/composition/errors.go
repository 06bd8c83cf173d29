package composition

import (
	"errors"
	"fmt"
)

// ErrorCode classifies composition failures.
type ErrorCode string

// ErrorCode constants for composition and commit failures.
const (
	// CodeConfiguration is bad caller input. Never retried.
	CodeConfiguration ErrorCode = "CONFIGURATION"
	// CodeInvalidState is an operation not allowed in the current state.
	CodeInvalidState ErrorCode = "INVALID_STATE"
	// CodeResourceExhaustion means planes, set slots or buffers ran out.
	CodeResourceExhaustion ErrorCode = "RESOURCE_EXHAUSTION"
	// CodeKernelRejection is an atomic commit the kernel refused.
	CodeKernelRejection ErrorCode = "KERNEL_REJECTION"
	// CodeFenceTimeout is an acquire fence that never signaled.
	CodeFenceTimeout ErrorCode = "FENCE_TIMEOUT"
	// CodeAllocationFailure is a framebuffer allocation or import failure.
	CodeAllocationFailure ErrorCode = "ALLOCATION_FAILURE"
	// CodeUnsupported is a request the pipeline cannot express.
	CodeUnsupported ErrorCode = "UNSUPPORTED"
)

var (
	ErrTypeMismatch    = errors.New("composition already has a different type")
	ErrInvalidDPMSMode = errors.New("dpms mode must be on or off")
	ErrNoUsablePlanes  = errors.New("no usable planes for crtc")
	ErrNoPlanesLeft    = errors.New("no planes left")
	ErrTooManyLayers   = errors.New("too many layers to separate")
)

// Error is a classified composition error.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Cause   error          `json:"cause,omitempty"`
}

// NewError creates a classified error wrapping cause.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// With returns e with an extra context value.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HasCode checks if the error matches a specific code.
func (e *Error) HasCode(code ErrorCode) bool {
	return e.Code == code
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return "", false
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
