package driven

import "errors"

// ErrUnavailable indicates the backend could not be reached at all
// (DNS failure, refused connection, TLS or other transport failure).
// Adapters wrap it alongside the underlying cause.
var ErrUnavailable = errors.New("backend unavailable")

// QueryError is a failure reported by the backend after it accepted the
// request, such as a malformed filter or a permission denial.
type QueryError struct {
	Message string
	Code    string
	Details string
	Hint    string
	Status  int // HTTP status when the backend speaks HTTP; zero otherwise.
}

// Error returns the backend's message unchanged.
func (e *QueryError) Error() string {
	return e.Message
}

// NoRowsMessage is reported when a single-row read matches zero or many rows.
// It mirrors the hosted backend's wording so both backends read the same.
const NoRowsMessage = "JSON object requested, multiple (or no) rows returned"

// NoRowsCode is the error code paired with NoRowsMessage.
const NoRowsCode = "PGRST116"
