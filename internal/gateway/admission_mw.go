package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/EdgeAdmit/internal/admission"
	"github.com/AlexKimmel/EdgeAdmit/internal/auth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Admitter is the admission decision the middleware delegates to.
type Admitter interface {
	Admit(ctx context.Context, req auth.Request, now time.Time) admission.Result
}

// Admission rejects requests over quota with 429 and passes the rest on with
// X-RateLimit-* headers. The resolved identity is stored in the request
// context for downstream handlers.
func Admission(
	adm Admitter,
	ext *auth.Extractor,
	now func() time.Time,
	skipPaths map[string]struct{},
) Middleware {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			res := adm.Admit(r.Context(), ext.FromHTTP(r), now())

			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("tier", res.Identity.Tier).
					Stringer("key_source", res.Identity.Source).
					Bool("admitted", res.Allowed)
			})

			// a degraded decision has no bucket state to report
			if !res.Unlimited && !res.Degraded {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetUnixSec, 10))
			}

			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), res.Identity)))
		})
	}
}

// writeJSON writes the gateway error envelope.
func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
