package apierr

import (
	"errors"
	"net/http"
)

// ID is the machine-readable kind of an API error. The set is closed;
// transports map each kind to exactly one HTTP status code.
type ID string

const (
	IDInvalidParametersFormat   ID = "InvalidParametersFormat"
	IDInvalidOperation          ID = "InvalidOperation"
	IDUnknownReferencedResource ID = "UnknownReferencedResource"
	IDInvalidRequestStructure   ID = "InvalidRequestStructure"
	IDInvalidAccessToken        ID = "InvalidAccessToken"
	IDInvalidCredentials        ID = "InvalidCredentials"
	IDForbidden                 ID = "Forbidden"
	IDUnknownResource           ID = "UnknownResource"
	IDItemAlreadyExists         ID = "ItemAlreadyExists"
	IDGone                      ID = "Gone"
	IDUnsupportedContentType    ID = "UnsupportedContentType"
	IDTooManyResults            ID = "TooManyResults"
	IDUnexpectedError           ID = "unexpectedError"
)

// E is the structured error every API method returns on failure.
// Message is safe to show to clients; internal causes stay in cause.
type E struct {
	ID        ID          `json:"id"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	SubErrors []*E        `json:"subErrors,omitempty"`

	cause error
}

func (e *E) Error() string {
	return string(e.ID) + ": " + e.Message
}

// Unwrap exposes the internal cause for errors.Is/As chains.
func (e *E) Unwrap() error {
	return e.cause
}

// HTTPStatus maps the error kind to its transport status code.
func (e *E) HTTPStatus() int {
	switch e.ID {
	case IDInvalidParametersFormat, IDInvalidOperation,
		IDUnknownReferencedResource, IDInvalidRequestStructure:
		return http.StatusBadRequest
	case IDInvalidAccessToken, IDInvalidCredentials:
		return http.StatusUnauthorized
	case IDForbidden:
		return http.StatusForbidden
	case IDUnknownResource:
		return http.StatusNotFound
	case IDItemAlreadyExists:
		return http.StatusConflict
	case IDGone:
		return http.StatusGone
	case IDTooManyResults:
		return http.StatusRequestEntityTooLarge
	case IDUnsupportedContentType:
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given kind.
func New(id ID, message string, data interface{}) *E {
	return &E{ID: id, Message: message, Data: data}
}

// As extracts the structured error from err. Unclassified errors are
// wrapped as unexpectedError so stack details never leak to clients.
func As(err error) *E {
	var e *E
	if errors.As(err, &e) {
		return e
	}
	return Unexpected(err)
}

// Is reports whether err is an API error of the given kind.
func Is(err error, id ID) bool {
	var e *E
	return errors.As(err, &e) && e.ID == id
}
