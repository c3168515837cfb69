package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// unmatchedRoute labels requests no route claimed, so scanners probing random paths
// cannot grow the label set.
const unmatchedRoute = "unmatched"

// InstrumentAPI is a chi middleware that records job API metrics keyed by route
// pattern rather than raw path, so job ids never become label values.
func InstrumentAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Init()
		apiRequestsInFlight.Inc()
		defer apiRequestsInFlight.Dec()

		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ObserveAPIRequest(r.Method, route, status, ww.BytesWritten(), time.Since(start))
	})
}
