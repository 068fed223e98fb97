package opshttp

import (
	"net/http"

	"github.com/keithlinneman/sitepress/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// AllowPublic disables the private-network guard. Only for tests and
	// setups where the listener is already firewalled.
	AllowPublic  bool
	UseRecoverMW bool
	OnPanic      func() // optional, e.g. to count recovered panics
}
