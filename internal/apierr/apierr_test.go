package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    *E
		status int
	}{
		{InvalidParametersFormat("bad", nil), http.StatusBadRequest},
		{InvalidOperation("no", nil), http.StatusBadRequest},
		{UnknownReferencedResource("stream", nil), http.StatusBadRequest},
		{InvalidRequestStructure("multipart"), http.StatusBadRequest},
		{InvalidAccessToken("expired"), http.StatusUnauthorized},
		{InvalidCredentials("bad password"), http.StatusUnauthorized},
		{Forbidden("denied"), http.StatusForbidden},
		{UnknownResource("event", "e1"), http.StatusNotFound},
		{ItemAlreadyExists("stream", nil), http.StatusConflict},
		{Gone(""), http.StatusGone},
		{UnsupportedContentType("text/csv"), http.StatusUnsupportedMediaType},
		{TooManyResults(10000), http.StatusRequestEntityTooLarge},
		{Unexpected(errors.New("boom")), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := c.err.HTTPStatus(); got != c.status {
			t.Errorf("%s: status = %d, want %d", c.err.ID, got, c.status)
		}
	}
}

func TestUnexpectedHidesCause(t *testing.T) {
	cause := fmt.Errorf("pq: connection refused passwordHash=abc")
	e := Unexpected(cause)

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "connection refused") {
		t.Errorf("serialized error leaks internal cause: %s", b)
	}
	if !errors.Is(e, cause) {
		t.Error("Unwrap chain lost the cause")
	}
}

func TestAs(t *testing.T) {
	orig := Forbidden("denied")
	wrapped := fmt.Errorf("dispatch: %w", orig)

	if got := As(wrapped); got != orig {
		t.Errorf("As did not recover the original error")
	}
	if got := As(errors.New("plain")); got.ID != IDUnexpectedError {
		t.Errorf("As(plain) id = %s, want %s", got.ID, IDUnexpectedError)
	}
	if !Is(wrapped, IDForbidden) {
		t.Error("Is(wrapped, Forbidden) = false")
	}
}

func TestSerializedShape(t *testing.T) {
	e := InvalidParametersFormat("validation failed", []string{"time: not a number"})
	e.SubErrors = []*E{Forbidden("inner")}

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["id"] != "InvalidParametersFormat" {
		t.Errorf("id = %v", m["id"])
	}
	if _, ok := m["data"]; !ok {
		t.Error("data missing")
	}
	if _, ok := m["subErrors"]; !ok {
		t.Error("subErrors missing")
	}
	if _, ok := m["cause"]; ok {
		t.Error("cause must not serialize")
	}
}
