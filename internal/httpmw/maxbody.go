package httpmw

import "net/http"

// MaxBody caps request bodies at limit bytes. A declared Content-Length
// over the limit is refused with 413 before the handler runs; streamed
// bodies fail with *http.MaxBytesError when read past the limit.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				w.Header().Set("Cache-Control", "no-store")
				w.Header().Set("Connection", "close")
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
