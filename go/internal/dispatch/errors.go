package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mcdev12/modulith/go/internal/domain"
)

// FieldError is one failed structural check.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError is returned before any state is touched when a request
// fails its struct tags.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func newValidationError(errs validator.ValidationErrors) *ValidationError {
	out := &ValidationError{Errors: make([]FieldError, 0, len(errs))}
	for _, fe := range errs {
		out.Errors = append(out.Errors, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return out
}

// AsValidationError converts validator failures into a *ValidationError.
// Nil and any other error come back unchanged.
func AsValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return newValidationError(verrs)
	}
	return err
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("'%s' is required", fe.Field())
	case "email":
		return fmt.Sprintf("'%s' must be a valid email", fe.Field())
	case "min":
		return fmt.Sprintf("'%s' must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("'%s' must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("'%s' must be one of [%s]", fe.Field(), fe.Param())
	case "uuid":
		return fmt.Sprintf("'%s' must be a valid UUID", fe.Field())
	}
	return fmt.Sprintf("'%s' failed '%s'", fe.Field(), fe.Tag())
}

// Problem is an RFC 7807 problem details object.
type Problem struct {
	Type   string       `json:"type"`
	Title  string       `json:"title"`
	Status int          `json:"status"`
	Detail string       `json:"detail,omitempty"`
	Errors []FieldError `json:"errors,omitempty"`
}

const problemBase = "https://modulith.dev/problems/"

// ProblemFrom classifies err for callers. Faults that are not the caller's
// doing keep their detail out of the response.
func ProblemFrom(err error) Problem {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Problem{
			Type:   problemBase + "validation",
			Title:  "Validation failed",
			Status: http.StatusBadRequest,
			Detail: ve.Error(),
			Errors: ve.Errors,
		}
	}
	if bre, ok := domain.AsBusinessRuleError(err); ok {
		return Problem{
			Type:   problemBase + "business-rule",
			Title:  "Business rule broken",
			Status: http.StatusUnprocessableEntity,
			Detail: bre.Message,
		}
	}
	if errors.Is(err, domain.ErrNotFound) {
		return Problem{
			Type:   problemBase + "not-found",
			Title:  "Not found",
			Status: http.StatusNotFound,
			Detail: err.Error(),
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Problem{
			Type:   problemBase + "timeout",
			Title:  "Request cancelled",
			Status: http.StatusServiceUnavailable,
		}
	}
	return Problem{
		Type:   "about:blank",
		Title:  http.StatusText(http.StatusInternalServerError),
		Status: http.StatusInternalServerError,
	}
}
