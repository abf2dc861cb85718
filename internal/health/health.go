// Package health serves liveness and readiness probes.
package health

import (
	"encoding/json"
	"net/http"
)

// Healthz reports liveness. It never inspects dependencies.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// Check is one named readiness condition. Fn returns nil when ready.
type Check struct {
	Name string
	Fn   func() error
}

// Report is the readiness response body.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Readyz runs every check on each request. It responds 200 when all pass and
// 503 otherwise; the body lists each check as "ok" or its error.
func Readyz(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := Report{Status: "ready", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for _, c := range checks {
			if err := c.Fn(); err != nil {
				rep.Checks[c.Name] = err.Error()
				rep.Status = "not ready"
				code = http.StatusServiceUnavailable
				continue
			}
			rep.Checks[c.Name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(rep)
	}
}
