package app

import "fmt"

// DomainError is an error the API surfaces to clients as a JSON body
// {code, message, details} with Status as the HTTP status. Codes used here:
// PAGE_NOT_FOUND, THREAD_NOT_FOUND, THREAD_EXISTS, THREAD_NOT_OPEN,
// UNSUPPORTED_KIND, EDITORS_PRESENT, VALIDATION_ERROR. Anything else reaching
// the handler layer becomes a 500 INTERNAL.
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
