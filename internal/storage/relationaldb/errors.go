package relationaldb

import (
	"errors"
	"fmt"
)

// Configuration sentinels.
var (
	ErrMissingHost           = errors.New("database host is required")
	ErrMissingDatabase       = errors.New("database name is required")
	ErrMissingUsername       = errors.New("database username is required")
	ErrInvalidPort           = errors.New("invalid database port")
	ErrInvalidMaxOpenConns   = errors.New("max open connections must be >= 0")
	ErrInvalidMaxIdleConns   = errors.New("max idle connections must be >= 0")
	ErrMaxIdleExceedsMaxOpen = errors.New("max idle connections cannot exceed max open connections")
	ErrInvalidTimeout        = errors.New("timeout must be positive")
	ErrInvalidMaxAttempts    = errors.New("outbox max attempts must be >= 1")
	ErrInvalidInitialBalance = errors.New("mock initial balance must be >= 0")
)

// Connection sentinels.
var (
	ErrDatabaseClosed   = errors.New("database connection is closed")
	ErrConnectionFailed = errors.New("failed to connect to database")
)

// ErrorType represents different categories of database errors.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeQuery
	ErrorTypeSchema
)

// DatabaseError provides operation-tagged context for storage failures.
// Domain outcomes (not-found, conflict, insufficient funds) are reported
// through the order/ledger sentinels instead, so callers can errors.Is on
// them without caring which query produced them.
type DatabaseError struct {
	Type      ErrorType `json:"type"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Cause     error     `json:"cause,omitempty"`
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// NewDatabaseError creates a new DatabaseError.
func NewDatabaseError(errorType ErrorType, operation, message string, cause error) *DatabaseError {
	return &DatabaseError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeConfiguration, operation, message, cause)
}

// NewConnectionError creates a connection error.
func NewConnectionError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeConnection, operation, message, cause)
}

// NewTransactionError creates a transaction error.
func NewTransactionError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeTransaction, operation, message, cause)
}

// NewQueryError creates a query error.
func NewQueryError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeQuery, operation, message, cause)
}

// NewSchemaError creates a schema error.
func NewSchemaError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeSchema, operation, message, cause)
}

// IsConnectionError checks if an error is a connection error.
func IsConnectionError(err error) bool {
	var dbErr *DatabaseError
	return errors.As(err, &dbErr) && dbErr.Type == ErrorTypeConnection
}

// IsTransactionError checks if an error is a transaction error.
func IsTransactionError(err error) bool {
	var dbErr *DatabaseError
	return errors.As(err, &dbErr) && dbErr.Type == ErrorTypeTransaction
}
