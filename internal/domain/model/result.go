package model

// ErrorKind classifies a failed Result.
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindConnectivity ErrorKind = "connectivity"
	ErrorKindQuery        ErrorKind = "query"
	ErrorKindInternal     ErrorKind = "internal"
)

// Result is the envelope returned by every data access operation.
// Exactly one of Data and Error is meaningful, as selected by Success.
type Result[T any] struct {
	Success bool
	Data    T
	Error   string
	Kind    ErrorKind
}

// OK wraps data in a successful Result.
func OK[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// Fail builds a failed Result carrying msg. Data is left at its zero value.
func Fail[T any](kind ErrorKind, msg string) Result[T] {
	return Result[T]{Success: false, Error: msg, Kind: kind}
}
