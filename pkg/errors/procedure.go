package errors

import "fmt"

/*
ProcedureError is the failure half of every procedure result. Code carries
the HTTP status the front end should answer with.
*/
type ProcedureError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

/*
Error implements the error interface for ProcedureError.
*/
func (e *ProcedureError) Error() string {
	return fmt.Sprintf("procedure error %d: %s", e.Code, e.Message)
}

// Convenience errors covering the taxonomy. Handlers raise their own codes
// through the error sentinel; these are the infrastructure-attributed ones.
var (
	ErrNotFound     = &ProcedureError{Code: 404, Message: "procedure not found"}
	ErrBadInput     = &ProcedureError{Code: 400, Message: "invalid inputs"}
	ErrUnauthorized = &ProcedureError{Code: 401, Message: "unauthorized"}
	ErrInternal     = &ProcedureError{Code: 500, Message: "internal server error"}
	ErrContract     = &ProcedureError{Code: 500, Message: "output violated the procedure contract"}
)

// WithMessagef creates a *copy* of a ProcedureError with a formatted message.
// It does not modify the original error variable.
func (e *ProcedureError) WithMessagef(format string, args ...any) *ProcedureError {
	newErr := *e
	newErr.Message = fmt.Sprintf(format, args...)
	return &newErr
}
