// Package validation provides request/record validation errors and
// their RFC 7807 problem-detail representation, grounded on the
// teacher's pkg/datastorage/validation package.
package validation

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ValidationError collects one or more field-level validation
// failures for a single resource.
type ValidationError struct {
	Resource    string
	Message     string
	FieldErrors map[string]string
}

// NewValidationError constructs an empty ValidationError for resource
// with the given top-level message.
func NewValidationError(resource, message string) *ValidationError {
	return &ValidationError{
		Resource:    resource,
		Message:     message,
		FieldErrors: map[string]string{},
	}
}

// AddFieldError records (or overwrites) the error for field.
func (e *ValidationError) AddFieldError(field, message string) {
	e.FieldErrors[field] = message
}

func (e *ValidationError) Error() string {
	if len(e.FieldErrors) == 0 {
		return fmt.Sprintf("%s: %s", e.Resource, e.Message)
	}
	return fmt.Sprintf("%s: %s (fields: %d)", e.Resource, e.Message, len(e.FieldErrors))
}

// ToRFC7807 converts e to a problem-detail document.
func (e *ValidationError) ToRFC7807() *RFC7807Problem {
	return &RFC7807Problem{
		Type:     "https://kbcore.dev/errors/validation-error",
		Title:    "Validation Error",
		Status:   http.StatusBadRequest,
		Detail:   e.Message,
		Instance: fmt.Sprintf("/kb/%s", e.Resource),
		Extensions: map[string]interface{}{
			"resource":     e.Resource,
			"field_errors": e.FieldErrors,
		},
	}
}

// RFC7807Problem is an RFC 7807 "problem details" document. Fields
// are tagged omitempty so a bare internal-error problem serializes
// without noise; Extensions are flattened into the top-level object
// at marshal time.
type RFC7807Problem struct {
	Type       string                 `json:"type"`
	Title      string                 `json:"title"`
	Status     int                    `json:"status"`
	Detail     string                 `json:"detail,omitempty"`
	Instance   string                 `json:"instance,omitempty"`
	Extensions map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extensions alongside the standard RFC 7807
// fields, matching the wire format tested by the teacher's
// "should marshal to RFC 7807 compliant JSON" case.
func (p *RFC7807Problem) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"type":   p.Type,
		"title":  p.Title,
		"status": p.Status,
	}
	if p.Detail != "" {
		out["detail"] = p.Detail
	}
	if p.Instance != "" {
		out["instance"] = p.Instance
	}
	for k, v := range p.Extensions {
		out[k] = v
	}
	return json.Marshal(out)
}

func (p *RFC7807Problem) Error() string {
	return fmt.Sprintf("%s (%d): %s", p.Title, p.Status, p.Detail)
}

// NewValidationErrorProblem builds a standalone validation-error
// problem without requiring a *ValidationError instance.
func NewValidationErrorProblem(resource string, fieldErrors map[string]string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:     "https://kbcore.dev/errors/validation-error",
		Title:    "Validation Error",
		Status:   http.StatusBadRequest,
		Detail:   fmt.Sprintf("validation failed for %s", resource),
		Instance: fmt.Sprintf("/kb/%s", resource),
		Extensions: map[string]interface{}{
			"resource":     resource,
			"field_errors": fieldErrors,
		},
	}
}

// NewNotFoundProblem builds a not-found problem for resource/id.
func NewNotFoundProblem(resource, id string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:     "https://kbcore.dev/errors/not-found",
		Title:    "Resource Not Found",
		Status:   http.StatusNotFound,
		Detail:   fmt.Sprintf("%s %q not found", resource, id),
		Instance: fmt.Sprintf("/kb/%s/%s", resource, id),
		Extensions: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictProblem builds a conflict problem for a unique
// violation on resource.field=value.
func NewConflictProblem(resource, field, value string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:     "https://kbcore.dev/errors/conflict",
		Title:    "Resource Conflict",
		Status:   http.StatusConflict,
		Detail:   fmt.Sprintf("%s with %s %q already exists", resource, field, value),
		Instance: fmt.Sprintf("/kb/%s", resource),
		Extensions: map[string]interface{}{
			"resource": resource,
			"field":    field,
			"value":    value,
		},
	}
}

// NewInternalErrorProblem builds a generic internal-error problem.
func NewInternalErrorProblem(detail string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:   "https://kbcore.dev/errors/internal-error",
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: detail,
		Extensions: map[string]interface{}{
			"retry": true,
		},
	}
}

// NewServiceUnavailableProblem builds a service-unavailable problem,
// used when the pre-allocated pool or backing store is unreachable.
func NewServiceUnavailableProblem(detail string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:   "https://kbcore.dev/errors/service-unavailable",
		Title:  "Service Unavailable",
		Status: http.StatusServiceUnavailable,
		Detail: detail,
		Extensions: map[string]interface{}{
			"retry": true,
		},
	}
}
