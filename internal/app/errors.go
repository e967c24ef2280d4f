package app

import "fmt"

// DomainError is a service-level failure that already knows its HTTP shape.
// mapError passes it straight through to writeError, so handlers never
// re-translate codes like MISSING_CAPABILITY or CONVERSATION_NOT_FOUND.
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

// domainError is the constructor the service layer uses; Details is almost
// always nil and exists for field-level validation payloads.
func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
