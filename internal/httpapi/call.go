package httpapi

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
)

const maxMultipartMemory = 32 << 20

// newCall assembles the call common to every per-user route: username from
// the path, credentials from the header or the auth query parameter, origin
// for the login checks.
func (h *Handler) newCall(c *gin.Context, methodID string, params map[string]interface{}) *api.Call {
	return &api.Call{
		MethodID: methodID,
		Username: c.Param("username"),
		Params:   params,
		Auth:     callAuth(c),
		Origin:   callOrigin(c),
	}
}

// callAuth resolves credentials from the Authorization header first, then
// the auth query parameter.
func callAuth(c *gin.Context) api.Auth {
	if a := headerAuth(c); a.Token != "" {
		return a
	}
	return parseAuthValue(c.Query("auth"))
}

// headerAuth reads the Authorization header. Basic auth carries the token in
// the username field; a Bearer scheme prefix is accepted and stripped.
func headerAuth(c *gin.Context) api.Auth {
	header := c.GetHeader("Authorization")
	if header == "" {
		return api.Auth{}
	}
	if len(header) > 6 && strings.EqualFold(header[:6], "Basic ") {
		if username, _, ok := c.Request.BasicAuth(); ok {
			return api.Auth{Token: username}
		}
		return api.Auth{}
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		header = header[7:]
	}
	return parseAuthValue(header)
}

// parseAuthValue splits the optional caller id suffix: "<token> <callerId>".
func parseAuthValue(value string) api.Auth {
	value = strings.TrimSpace(value)
	if value == "" {
		return api.Auth{}
	}
	if token, callerID, ok := strings.Cut(value, " "); ok {
		return api.Auth{Token: token, CallerID: strings.TrimSpace(callerID)}
	}
	return api.Auth{Token: value}
}

func callOrigin(c *gin.Context) string {
	if origin := c.GetHeader("Origin"); origin != "" {
		return origin
	}
	return c.GetHeader("Referer")
}

// queryParams lifts the query string into params (single values only, the
// dispatcher coerces types) and merges the path's :id. Credential
// parameters never reach the method.
func queryParams(c *gin.Context) map[string]interface{} {
	params := make(map[string]interface{})
	for key, values := range c.Request.URL.Query() {
		if key == "auth" || key == "readToken" {
			continue
		}
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	if id := c.Param("id"); id != "" {
		params["id"] = id
	}
	if fileID := c.Param("fileId"); fileID != "" {
		params["fileId"] = fileID
	}
	return params
}

// bodyParams decodes a JSON object body. An empty body is an empty object.
func bodyParams(c *gin.Context) (map[string]interface{}, *apierr.E) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, apierr.InvalidRequestStructure("Unreadable request body.")
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]interface{}{}, nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, apierr.InvalidRequestStructure("The request body must be a JSON object.")
	}
	return params, nil
}

// bodyArray decodes the batch body: a JSON array of sub-calls.
func bodyArray(c *gin.Context) ([]interface{}, *apierr.E) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, apierr.InvalidRequestStructure("Unreadable request body.")
	}
	var calls []interface{}
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil, apierr.InvalidRequestStructure("The batch body must be a JSON array of calls.")
	}
	return calls, nil
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/")
}

// eventMultipart parses an event-creation multipart body: exactly one
// non-file part, named "event", holding the event JSON; every other part is
// a file.
func eventMultipart(c *gin.Context) (map[string]interface{}, []api.File, *apierr.E) {
	form, apiErr := parseMultipart(c)
	if apiErr != nil {
		return nil, nil, apiErr
	}
	values := form.Value["event"]
	if len(form.Value) != 1 || len(values) != 1 {
		return nil, nil, apierr.InvalidRequestStructure(
			`A multipart event creation carries exactly one non-file part, named "event".`)
	}
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(values[0]), &params); err != nil {
		return nil, nil, apierr.InvalidRequestStructure(`The "event" part must be a JSON object.`)
	}
	return params, formFiles(form), nil
}

// filesMultipart parses an attach body: file parts only.
func filesMultipart(c *gin.Context) ([]api.File, *apierr.E) {
	form, apiErr := parseMultipart(c)
	if apiErr != nil {
		return nil, apiErr
	}
	if len(form.Value) != 0 {
		return nil, apierr.InvalidRequestStructure(
			"Attachment uploads carry file parts only.")
	}
	return formFiles(form), nil
}

func parseMultipart(c *gin.Context) (*multipart.Form, *apierr.E) {
	if err := c.Request.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, apierr.InvalidRequestStructure("Unreadable multipart body.")
	}
	return c.Request.MultipartForm, nil
}

// formFiles wraps the uploaded parts, opened lazily so the method decides
// whether the bytes are read at all.
func formFiles(form *multipart.Form) []api.File {
	var files []api.File
	for _, headers := range form.File {
		for _, fh := range headers {
			files = append(files, api.File{
				FileName: fh.Filename,
				Type:     fh.Header.Get("Content-Type"),
				Size:     fh.Size,
				Open: func() (io.ReadCloser, error) {
					return fh.Open()
				},
			})
		}
	}
	return files
}
