package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

func SetupLogger(level string) zerolog.Logger {
	return NewLogger(level, os.Stdout)
}

// NewLogger builds a JSON logger writing to w. Unknown levels mean info.
func NewLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// RequestID middleware: uses X-Request-ID if present, else generates one.
func RequestID() func(http.Handler) http.Handler {
	return hlog.RequestIDHandler("req_id", "X-Request-ID")
}

// Logger returns a middleware that logs per-request with duration and status.
// Fields added to the request logger further down the chain (tier, client
// key) show up on the access line.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := hlog.NewHandler(logger)(
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Int("status", status).
					Int("size", size).
					Dur("dur", duration).
					Msg("req")
			})(
				hlog.UserAgentHandler("ua")(
					hlog.RefererHandler("referer")(
						RequestID()(next),
					),
				),
			),
		)
		return h
	}
}
