package errors

import "fmt"

// Error types for tabx-get operations
var (
	// ErrIndexNotFound is returned when a data file has no companion .tbi index
	ErrIndexNotFound = &TabxError{Code: "INDEX_NOT_FOUND", Message: "companion tabix index not found"}

	// ErrCorruptIndex is returned when the tabix index fails to parse
	ErrCorruptIndex = &TabxError{Code: "CORRUPT_INDEX", Message: "corrupt tabix index"}

	// ErrCorruptData is returned when a BGZF block header or checksum is invalid
	ErrCorruptData = &TabxError{Code: "CORRUPT_DATA", Message: "corrupt block data"}

	// ErrTruncatedFile is returned when the byte source ends mid-block
	ErrTruncatedFile = &TabxError{Code: "TRUNCATED_FILE", Message: "file truncated mid-block"}

	// ErrMalformedRecord is returned when a line cannot be decoded as a record
	ErrMalformedRecord = &TabxError{Code: "MALFORMED_RECORD", Message: "malformed record line"}

	// ErrInvalidRange is returned when a query interval has end < start
	ErrInvalidRange = &TabxError{Code: "INVALID_RANGE", Message: "invalid query range"}

	// ErrIteratorExhausted is returned when Next is called with no buffered record
	ErrIteratorExhausted = &TabxError{Code: "ITERATOR_EXHAUSTED", Message: "iterator exhausted"}

	// ErrSourceOpen is returned when the underlying byte source cannot be opened
	ErrSourceOpen = &TabxError{Code: "SOURCE_OPEN_FAILED", Message: "failed to open byte source"}
)

// TabxError represents a structured error in tabx-get operations
type TabxError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable error message
	Cause   error                  // Underlying error, if any
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *TabxError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("[%s] %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *TabxError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code. Sentinel values
// above compare equal to any derived error built with WithCause/WithDetail.
func (e *TabxError) Is(target error) bool {
	t, ok := target.(*TabxError)
	return ok && t.Code == e.Code
}

// WithCause adds a cause to the error
func (e *TabxError) WithCause(cause error) *TabxError {
	return &TabxError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
		Details: e.Details,
	}
}

// WithDetail adds a detail key-value pair to the error
func (e *TabxError) WithDetail(key string, value interface{}) *TabxError {
	details := make(map[string]interface{})
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &TabxError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// WithMessage overrides the error message
func (e *TabxError) WithMessage(message string) *TabxError {
	return &TabxError{
		Code:    e.Code,
		Message: message,
		Cause:   e.Cause,
		Details: e.Details,
	}
}

// IsTabxError checks if an error is a TabxError
func IsTabxError(err error) bool {
	_, ok := err.(*TabxError)
	return ok
}

// GetErrorCode extracts the error code from a TabxError
func GetErrorCode(err error) string {
	if tabxErr, ok := err.(*TabxError); ok {
		return tabxErr.Code
	}
	return ""
}
