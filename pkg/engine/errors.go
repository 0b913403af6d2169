package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and failure decisions.
type ErrorClass string

const (
	// ErrorClassRecoverable indicates a transient network or cloud failure.
	// The order stays in its current state and is retried on the next pass.
	ErrorClassRecoverable ErrorClass = "recoverable"

	// ErrorClassTerminal indicates the cloud rejected the request.
	// Examples: quota exceeded, image not found, invalid parameters.
	ErrorClassTerminal ErrorClass = "terminal"

	// ErrorClassNoMatchingFlavor indicates nothing in the flavor catalog satisfies the order.
	ErrorClassNoMatchingFlavor ErrorClass = "no_matching_flavor"

	// ErrorClassNoAvailableResources indicates the cloud is out of capacity for an
	// otherwise valid request.
	ErrorClassNoAvailableResources ErrorClass = "no_available_resources"

	// ErrorClassInstanceNotFound indicates the cloud no longer knows the instance id.
	ErrorClassInstanceNotFound ErrorClass = "instance_not_found"

	// ErrorClassDuplicateOrder indicates an order id was registered twice.
	ErrorClassDuplicateOrder ErrorClass = "duplicate_order"

	// ErrorClassUnexpected covers anything uncategorized.
	ErrorClassUnexpected ErrorClass = "unexpected"
)

// Error represents a classified error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// OrderID is the order that was being processed, if applicable.
	OrderID string `json:"order_id,omitempty"`

	// Operation is the connector or registry operation being performed.
	Operation string `json:"operation,omitempty"`

	// Cloud is the cloud the operation was issued against.
	Cloud string `json:"cloud,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.OrderID != "" {
		msg += fmt.Sprintf(" (order=%s", e.OrderID)
		if e.Operation != "" {
			msg += ", operation=" + e.Operation
		}
		msg += ")"
	} else if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

func newError(class ErrorClass, message string, err error) *Error {
	return &Error{Class: class, Message: message, Err: err}
}

// NewRecoverableError creates an error that leaves the order in place for retry.
func NewRecoverableError(message string, err error) *Error {
	return newError(ErrorClassRecoverable, message, err)
}

// NewTerminalError creates an error that moves the order to a failed state.
func NewTerminalError(message string, err error) *Error {
	return newError(ErrorClassTerminal, message, err)
}

// NewNoMatchingFlavorError creates an error signalling a catalog configuration problem.
func NewNoMatchingFlavorError(message string) *Error {
	return newError(ErrorClassNoMatchingFlavor, message, nil).WithCode(ErrCodeNoMatchingFlavor)
}

// NewNoAvailableResourcesError creates an error signalling exhausted cloud capacity.
func NewNoAvailableResourcesError(message string, err error) *Error {
	return newError(ErrorClassNoAvailableResources, message, err).WithCode(ErrCodeCapacity)
}

// NewInstanceNotFoundError creates an error for an instance id unknown to the cloud.
func NewInstanceNotFoundError(instanceID string, err error) *Error {
	return newError(ErrorClassInstanceNotFound, fmt.Sprintf("instance %s not found", instanceID), err).
		WithCode(ErrCodeNotFound)
}

// NewDuplicateOrderError creates an error for an order id that is already registered.
func NewDuplicateOrderError(orderID string) *Error {
	return newError(ErrorClassDuplicateOrder, "order already registered", nil).
		WithOrder(orderID).
		WithCode(ErrCodeAlreadyExists)
}

// NewUnexpectedError wraps an uncategorized error.
func NewUnexpectedError(message string, err error) *Error {
	return newError(ErrorClassUnexpected, message, err).WithCode(ErrCodeInternal)
}

// WithOrder adds order context to an error.
func (e *Error) WithOrder(orderID string) *Error {
	e.OrderID = orderID
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCloud adds cloud context to an error.
func (e *Error) WithCloud(cloud string) *Error {
	e.Cloud = cloud
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// ClassOf returns the class of the outermost classified error in the chain.
// Unclassified errors are reported as ErrorClassUnexpected.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassUnexpected
}

// IsRecoverable returns true if the error is classified as recoverable.
func IsRecoverable(err error) bool {
	return ClassOf(err) == ErrorClassRecoverable
}

// IsTerminal returns true if the error is classified as terminal.
func IsTerminal(err error) bool {
	return ClassOf(err) == ErrorClassTerminal
}

// IsNoMatchingFlavor returns true if no catalog entry satisfied the request.
func IsNoMatchingFlavor(err error) bool {
	return ClassOf(err) == ErrorClassNoMatchingFlavor
}

// IsNoAvailableResources returns true if the cloud reported exhausted capacity.
func IsNoAvailableResources(err error) bool {
	return ClassOf(err) == ErrorClassNoAvailableResources
}

// IsInstanceNotFound returns true if the cloud does not know the instance.
func IsInstanceNotFound(err error) bool {
	return ClassOf(err) == ErrorClassInstanceNotFound
}

// IsDuplicateOrder returns true if the error reports a duplicate order id.
func IsDuplicateOrder(err error) bool {
	return ClassOf(err) == ErrorClassDuplicateOrder
}

// IsRetryable returns true if the order should stay in place and be retried.
// Capacity shortages are retried because capacity may free up later.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassRecoverable, ErrorClassNoAvailableResources:
		return true
	default:
		return false
	}
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeQuotaExceeded     = "QUOTA_EXCEEDED"
	ErrCodeCapacity          = "NO_CAPACITY"
	ErrCodeNoMatchingFlavor  = "NO_MATCHING_FLAVOR"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
	ErrCodeDependencyPending = "DEPENDENCY_PENDING"
	ErrCodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	ErrCodeCleanupRequired   = "MANUAL_CLEANUP_REQUIRED"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeUnsupported       = "UNSUPPORTED"
)
