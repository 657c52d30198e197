package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-yaml"
)

// TrustedApp names an app id allowed to open personal sessions through
// auth.login, together with the origins it may call from. An empty origin
// list accepts any origin.
type TrustedApp struct {
	AppID   string   `yaml:"app_id"`
	Origins []string `yaml:"origins,omitempty"`
}

// Validate performs basic validation of a TrustedApp value:
// - Checks that the app id is not empty
// - Verifies origin patterns parse as URLs (a leading "*." wildcard on the
//   host is allowed)
func (a *TrustedApp) Validate() error {
	if a.AppID == "" {
		return errors.New("app_id must be specified in trusted app configuration")
	}

	for _, origin := range a.Origins {
		candidate := strings.Replace(origin, "*.", "wildcard.", 1)
		if err := validateURLString(candidate); err != nil {
			return fmt.Errorf("bad origin %q for app %q: %w", origin, a.AppID, err)
		}
	}

	return nil
}

// MatchesOrigin reports whether the given request origin is authorized for
// this app. Patterns compare scheme and host; "*.domain.tld" matches any
// subdomain.
func (a *TrustedApp) MatchesOrigin(origin string) bool {
	if len(a.Origins) == 0 {
		return true
	}
	if origin == "" {
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}

	for _, pattern := range a.Origins {
		p, err := url.Parse(strings.Replace(pattern, "*.", "", 1))
		if err != nil {
			continue
		}
		if p.Scheme != "" && p.Scheme != u.Scheme {
			continue
		}
		if strings.Contains(pattern, "*.") {
			if u.Host == p.Host || strings.HasSuffix(u.Host, "."+p.Host) {
				return true
			}
			continue
		}
		if u.Host == p.Host {
			return true
		}
	}
	return false
}

// unmarshalTrustedApp implements a custom YAML unmarshaler for TrustedApp.
// Validates the value after unmarshaling.
func unmarshalTrustedApp(value *TrustedApp, data []byte) error {
	type Aux TrustedApp
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = TrustedApp(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// TrustedApp resolves a trusted app by id.
func (c *Config) TrustedApp(appID string) (*TrustedApp, bool) {
	for i := range c.TrustedApps {
		if c.TrustedApps[i].AppID == appID {
			return &c.TrustedApps[i], true
		}
	}
	return nil, false
}

// ServiceInfo is the static service metadata relayed at /service/info.
type ServiceInfo struct {
	Name       string `yaml:"name" json:"name"`
	API        string `yaml:"api" json:"api"`
	Register   string `yaml:"register,omitempty" json:"register,omitempty"`
	Access     string `yaml:"access,omitempty" json:"access,omitempty"`
	Home       string `yaml:"home,omitempty" json:"home,omitempty"`
	Support    string `yaml:"support,omitempty" json:"support,omitempty"`
	Terms      string `yaml:"terms,omitempty" json:"terms,omitempty"`
	EventTypes string `yaml:"event_types,omitempty" json:"eventTypes,omitempty"`
}

// Validate performs basic validation of a ServiceInfo value:
// - Checks that the name is not empty
// - Verifies the URL fields parse
func (s *ServiceInfo) Validate() error {
	if s.Name == "" {
		return errors.New("name must be specified in service info configuration")
	}

	for _, u := range []string{s.Register, s.Access, s.Home, s.Support, s.Terms, s.EventTypes} {
		if err := validateURLString(u); err != nil {
			return err
		}
	}

	return nil
}

// unmarshalServiceInfo implements a custom YAML unmarshaler for ServiceInfo.
// Validates the value after unmarshaling.
func unmarshalServiceInfo(value *ServiceInfo, data []byte) error {
	type Aux ServiceInfo
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = ServiceInfo(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

func init() {
	// Register unmarshalers of custom types with the YAML library
	yaml.RegisterCustomUnmarshaler[TrustedApp](unmarshalTrustedApp)
	yaml.RegisterCustomUnmarshaler[ServiceInfo](unmarshalServiceInfo)
}

// validateURLString performs basic sanity checks of a string that should contain a valid URL.
// Empty strings are ignored.
func validateURLString(str string) error {
	if str == "" {
		return nil
	}

	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL does not contain a hostname")
	}

	return nil
}
