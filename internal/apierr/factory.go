package apierr

// InvalidParametersFormat signals a schema validation failure. data carries
// the validator's individual errors.
func InvalidParametersFormat(message string, data interface{}) *E {
	return New(IDInvalidParametersFormat, message, data)
}

// InvalidOperation signals a well-formed request the server refuses.
func InvalidOperation(message string, data interface{}) *E {
	return New(IDInvalidOperation, message, data)
}

// UnknownReferencedResource signals that a referenced resource (typically a
// stream id) does not exist.
func UnknownReferencedResource(message string, data interface{}) *E {
	return New(IDUnknownReferencedResource, message, data)
}

// InvalidRequestStructure signals a malformed request body or multipart
// layout.
func InvalidRequestStructure(message string) *E {
	return New(IDInvalidRequestStructure, message, nil)
}

// InvalidAccessToken signals a missing, unknown, expired or mismatched
// access token.
func InvalidAccessToken(message string) *E {
	return New(IDInvalidAccessToken, message, nil)
}

// InvalidCredentials signals a failed login or an untrusted app id.
func InvalidCredentials(message string) *E {
	return New(IDInvalidCredentials, message, nil)
}

// Forbidden signals a denied permission evaluation.
func Forbidden(message string) *E {
	return New(IDForbidden, message, nil)
}

// UnknownResource signals that the addressed entity does not exist.
func UnknownResource(resourceType, id string) *E {
	message := "Unknown " + resourceType
	if id != "" {
		message += " " + `"` + id + `"`
	}
	return New(IDUnknownResource, message, map[string]interface{}{
		"type": resourceType,
		"id":   id,
	})
}

// ItemAlreadyExists signals a uniqueness violation; keys carries the
// offending fields.
func ItemAlreadyExists(resourceType string, keys map[string]interface{}) *E {
	return New(IDItemAlreadyExists, resourceType+" already exists", keys)
}

// Gone signals a permanently removed endpoint.
func Gone(message string) *E {
	if message == "" {
		message = "Gone"
	}
	return New(IDGone, message, nil)
}

// UnsupportedContentType signals a request body of an unhandled media type.
func UnsupportedContentType(contentType string) *E {
	return New(IDUnsupportedContentType, "Unsupported content type "+`"`+contentType+`"`, nil)
}

// TooManyResults signals that a result array exceeded the configured limit.
func TooManyResults(limit int) *E {
	return New(IDTooManyResults,
		"Result exceeds the server limit; retry with a tighter filter or pagination",
		map[string]interface{}{"arrayLimit": limit})
}

// Unexpected wraps an internal failure. The original error is kept for
// logging but never serialized to clients.
func Unexpected(err error) *E {
	e := New(IDUnexpectedError, "An unexpected error occurred", nil)
	e.cause = err
	return e
}
