package gridsync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func (e *Error) Error() string {
	if e.Room != "" {
		return fmt.Sprintf("Error in room %s: %s (code: %d)", e.Room, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) withDetails(details interface{}) *Error {
	e.Details = details
	return e
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Room:      e.Room,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func badRequest(room, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusBadRequest,
		Room:      room,
		Temporary: false,
	}
}

func notFound(room, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusNotFound,
		Room:      room,
		Temporary: false,
	}
}

func conflict(room, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusConflict,
		Room:      room,
		Temporary: false,
	}
}

func unauthorized(room, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusUnauthorized,
		Room:      room,
		Temporary: false,
	}
}

func internal(room, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusInternalServerError,
		Room:      room,
		Temporary: false,
	}
}

func unavailable(room, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusServiceUnavailable,
		Room:      room,
		Temporary: true,
	}
}

func timeout(room, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusGatewayTimeout,
		Room:      room,
		Temporary: true,
	}
}

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func combine(errs ...error) error {

	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}

func addError(base, new error) error {
	if base == nil {
		return new
	}
	if new == nil {
		return base
	}

	var me *MultiError
	if errors.As(base, &me) {
		me.errors = append(me.errors, new)

		return me
	}
	return &MultiError{errors: []error{base, new}}
}

func errorEvent(err error) *Event {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		message := e.Message
		if e.cause != nil {
			message = e.cause.Error()
		}
		return &Event{
			Event:     errorEventName,
			RequestId: uuid.NewString(),
			Timestamp: isoNow(),
			Payload: map[string]interface{}{
				"code":      e.Code,
				"details":   e.Details,
				"temporary": e.Temporary,
				"message":   message,
			},
		}
	}

	return &Event{
		Event:     errorEventName,
		RequestId: uuid.NewString(),
		Timestamp: isoNow(),
		Payload: map[string]interface{}{
			"message": err.Error(),
		},
	}
}
