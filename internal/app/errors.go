package app

import "fmt"

// DomainError is a client-facing failure with a stable machine code, such
// as VALIDATION_ERROR for a bad slide set or GONE for an expired snapshot.
// mapError translates it to an HTTP status and JSON body; anything else
// surfaces as a 500.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
