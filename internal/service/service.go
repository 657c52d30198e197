// Package service relays the deployment's service metadata: the static
// blob describing this installation that clients fetch to discover the
// API, register and support endpoints.
package service

import (
	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/config"
)

type Service struct {
	cfg *config.Config
}

func NewService(cfg *config.Config) *Service {
	return &Service{cfg: cfg}
}

// Methods returns the service.info definition. The method needs neither a
// user nor a token; the result is the same for every caller.
func (s *Service) Methods() []*api.MethodDef {
	return []*api.MethodDef{
		{ID: "service.info", SkipAuth: true, NoUser: true, Steps: []api.Step{s.info}},
	}
}

func (s *Service) info(_ *api.Context, _ api.Params, r *api.Result) error {
	si := s.cfg.ServiceInfo
	if si == nil {
		si = &config.ServiceInfo{Name: "trove", API: "/"}
	}
	r.Set("name", si.Name)
	r.Set("api", si.API)
	setIf(r, "register", si.Register)
	setIf(r, "access", si.Access)
	setIf(r, "home", si.Home)
	setIf(r, "support", si.Support)
	setIf(r, "terms", si.Terms)
	setIf(r, "eventTypes", si.EventTypes)
	return nil
}

func setIf(r *api.Result, name, value string) {
	if value != "" {
		r.Set(name, value)
	}
}
