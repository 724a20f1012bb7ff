package middleware

import (
	"net/http"

	"github.com/dstep24/rileyrecruiter-sub005/internal/audit"
)

// CorrelationHeader carries the id that ties audit events to a request.
const CorrelationHeader = "X-Correlation-ID"

// Correlation reuses the caller's correlation id or assigns one, echoes it in
// the response and stores it in the request context for the audit log.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" || len(id) > 128 {
			id = audit.GenerateCorrelationID()
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(audit.WithCorrelationID(r.Context(), id)))
	})
}
