// Package health serves the process probes. /healthz answers 200 as
// long as the HTTP stack is up; /readyz reflects the dependencies the
// relay cannot run without and lists whichever ones are failing.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// probeTimeout caps a single dependency probe.
const probeTimeout = 5 * time.Second

// Check probes one dependency. Nil means healthy; the error text is
// surfaced in the readiness report.
type Check func(ctx context.Context) error

// Probes collects named readiness checks and serves the probe routes.
// Register checks before Routes; the set is not mutated afterwards.
type Probes struct {
	order  []string
	checks map[string]Check
}

func New() *Probes {
	return &Probes{checks: make(map[string]Check)}
}

// Add registers a named check and returns p for chaining.
func (p *Probes) Add(name string, c Check) *Probes {
	if _, dup := p.checks[name]; !dup {
		p.order = append(p.order, name)
	}
	p.checks[name] = c
	return p
}

// Routes mounts /healthz and /readyz on r.
func (p *Probes) Routes(r *mux.Router) {
	r.HandleFunc("/healthz", p.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/readyz", p.handleReady).Methods(http.MethodGet)
}

// report is the readiness response body. Failing is present only when
// at least one check failed, keyed by check name.
type report struct {
	Ready   bool              `json:"ready"`
	Failing map[string]string `json:"failing,omitempty"`
}

func (p *Probes) handleLive(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]bool{"alive": true})
}

func (p *Probes) handleReady(w http.ResponseWriter, r *http.Request) {
	rep := report{Ready: true}

	for _, name := range p.order {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.checks[name](ctx)
		cancel()
		if err == nil {
			continue
		}
		if rep.Failing == nil {
			rep.Failing = make(map[string]string)
		}
		rep.Failing[name] = err.Error()
		rep.Ready = false
	}

	status := http.StatusOK
	if !rep.Ready {
		status = http.StatusServiceUnavailable
	}
	respond(w, status, rep)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
