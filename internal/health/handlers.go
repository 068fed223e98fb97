package health

import (
	"net/http"
)

// HealthzHandler serves 200 when p passes and 503 with the reason otherwise.
// A nil probe is healthy.
func HealthzHandler(p Probe) http.HandlerFunc {
	return statusHandler(p, "ok\n")
}

// ReadyzHandler is HealthzHandler with a readiness body.
func ReadyzHandler(p Probe) http.HandlerFunc {
	return statusHandler(p, "ready\n")
}

func statusHandler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error()+"\n", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}
}
