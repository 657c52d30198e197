package httpapi

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/validation"
)

var usernameLabel = regexp.MustCompile(validation.UsernamePattern)

// staticRoots are first path segments never owned by a username.
var staticRoots = map[string]bool{
	"":            true,
	"system":      true,
	"metrics":     true,
	"favicon.ico": true,
}

// Wrap layers the pre-routing rewrites over the router: the
// username-subdomain path prefix and the url-encoded _method/_json/_auth
// compatibility fields. Both change what the router sees (method, path,
// body), so they run before gin matches a route.
func Wrap(next http.Handler, cfg *config.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rewriteHost(r, cfg.PublicDomain)
		rewriteForm(r)
		next.ServeHTTP(w, r)
	})
}

// rewriteHost accepts the host's first DNS label as a substitute for the
// username path prefix: alice.example.com/events means /alice/events. With
// PublicDomain set, only hosts directly under it are rewritten; otherwise
// the host needs at least three labels, so a bare apex domain with a
// username-looking name does not shift paths.
func rewriteHost(r *http.Request, publicDomain string) {
	host := r.Host
	if bare, _, err := net.SplitHostPort(host); err == nil {
		host = bare
	}
	label, rest, ok := strings.Cut(host, ".")
	if !ok || !usernameLabel.MatchString(label) {
		return
	}
	if publicDomain != "" {
		if !strings.EqualFold(rest, publicDomain) {
			return
		}
	} else if !strings.Contains(rest, ".") {
		return
	}

	first := firstSegment(r.URL.Path)
	if first == label || staticRoots[first] {
		return
	}
	r.URL.Path = "/" + label + r.URL.Path
	if r.URL.RawPath != "" {
		r.URL.RawPath = "/" + label + r.URL.RawPath
	}
}

// rewriteForm upgrades url-encoded POST bodies to the typed request they
// stand for: _auth fills the Authorization header, _method overrides the
// verb, _json (or the remaining fields) becomes the JSON body. The shim is
// for the user API; admin routes take JSON only.
func rewriteForm(r *http.Request) {
	if r.Method != http.MethodPost {
		return
	}
	if staticRoots[firstSegment(r.URL.Path)] {
		return
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return
	}
	if err := r.ParseForm(); err != nil {
		return
	}

	form := r.PostForm
	if v := form.Get("_auth"); v != "" {
		r.Header.Set("Authorization", v)
	}
	if v := form.Get("_method"); v != "" {
		r.Method = strings.ToUpper(v)
	}

	body := form.Get("_json")
	if body == "" {
		fields := make(map[string]interface{}, len(form))
		for key, values := range form {
			if key == "_auth" || key == "_method" || key == "_json" {
				continue
			}
			if len(values) > 0 {
				fields[key] = values[0]
			}
		}
		encoded, err := json.Marshal(fields)
		if err != nil {
			return
		}
		body = string(encoded)
	}

	r.Body = io.NopCloser(strings.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Type", "application/json")
}

func firstSegment(path string) string {
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return seg
}
