package httpapi

import (
	"net/http"
	"regexp"
	"strings"
)

// LocalOrigins matches browsers talking to a locally running notebook.
var LocalOrigins = regexp.MustCompile(`^(http://localhost:\d+|http://127\.0\.0\.1:\d+)$`)

// CORSOptions are the recognized cross-origin settings.
type CORSOptions struct {
	// AllowOrigin selects the origins echoed back in Access-Control-Allow-Origin.
	AllowOrigin      *regexp.Regexp
	AllowCredentials bool
	AllowMethods     []string
	AllowHeaders     []string
}

// DefaultCORSOptions allows credentialed requests from local origins.
func DefaultCORSOptions() CORSOptions {
	return CORSOptions{
		AllowOrigin:      LocalOrigins,
		AllowCredentials: true,
		AllowMethods:     []string{"GET", "DELETE", "PATCH", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{
			"X-CSRF-Token", "X-Requested-With", "Accept", "Accept-Version",
			"Content-Length", "Content-MD5", "Content-Type", "Date",
			"X-Api-Version", "baggage", "sentry-trace",
		},
	}
}

func (o CORSOptions) allowed(origin string) bool {
	return origin != "" && o.AllowOrigin != nil && o.AllowOrigin.MatchString(origin)
}

// CORS sets cross-origin headers for allowed origins and answers their
// preflight requests with 204. Requests from other origins reach next
// untouched.
func CORS(opts CORSOptions, next http.Handler) http.Handler {
	methods := strings.Join(opts.AllowMethods, ", ")
	headers := strings.Join(opts.AllowHeaders, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !opts.allowed(origin) {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if opts.AllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		h.Set("Access-Control-Allow-Methods", methods)
		h.Set("Access-Control-Allow-Headers", headers)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
