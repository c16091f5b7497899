// Package doctor checks a stepgate configuration and step registry for
// problems that would only show up once the server is running.
package doctor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/stepgate/internal/config"
	"github.com/mattjoyce/stepgate/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the step registry.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
}

func New(cfg *config.Config, registry *plugin.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
	d.validateListeners(r)
	d.validateSteps(r)
	d.warnLogFile(r)
	d.warnDownstream(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateListeners checks listen addresses parse and do not collide.
func (d *Doctor) validateListeners(r *Result) {
	grpcAddr := d.cfg.GRPC.Listen
	if _, _, err := net.SplitHostPort(grpcAddr); err != nil {
		d.addError(r, "listen", "grpc.listen", fmt.Sprintf("invalid address %q: %v", grpcAddr, err))
	}

	if !d.cfg.API.Enabled {
		d.addWarning(r, "listen", "api.enabled", "HTTP API disabled; /metrics and /v1/events are unavailable")
		return
	}
	apiAddr := d.cfg.API.Listen
	if _, _, err := net.SplitHostPort(apiAddr); err != nil {
		d.addError(r, "listen", "api.listen", fmt.Sprintf("invalid address %q: %v", apiAddr, err))
	}
	if apiAddr == grpcAddr {
		d.addError(r, "listen", "api.listen", fmt.Sprintf("api.listen and grpc.listen are both %q", apiAddr))
	}
}

// validateSteps checks the registry holds steps whose input schemas compile.
func (d *Doctor) validateSteps(r *Result) {
	if d.registry == nil || d.registry.Len() == 0 {
		d.addError(r, "steps", "", "no steps registered")
		return
	}
	for _, def := range d.registry.Definitions() {
		if err := plugin.NewInputValidator(def).Err(); err != nil {
			d.addError(r, "steps", def.ID, fmt.Sprintf("input schema does not compile: %v", err))
		}
		if def.Description == "" {
			d.addWarning(r, "steps", def.ID, "step has no description")
		}
	}
}

func (d *Doctor) warnLogFile(r *Result) {
	if d.cfg.Service.LogFile == "" {
		return
	}
	dir := filepath.Dir(d.cfg.Service.LogFile)
	info, err := os.Stat(dir)
	if err != nil {
		d.addWarning(r, "logging", "service.log_file", fmt.Sprintf("log directory %q: %v", dir, err))
		return
	}
	if !info.IsDir() {
		d.addError(r, "logging", "service.log_file", fmt.Sprintf("%q is not a directory", dir))
	}
}

func (d *Doctor) warnDownstream(r *Result) {
	if d.cfg.Downstream.Timeout > 5*time.Minute {
		d.addWarning(r, "downstream", "downstream.timeout",
			fmt.Sprintf("timeout %s is long; a stuck records API holds steps open that long", d.cfg.Downstream.Timeout))
	}
}
