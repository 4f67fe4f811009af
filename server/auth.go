package server

import (
	"net/http"

	"github.com/wolfeidau/version-gateway/auth"
	"github.com/wolfeidau/version-gateway/telemetry"
)

const (
	authChallenge        = `Basic realm="version-gateway", charset="UTF-8"`
	authRequiredBody     = "You need to login."
	authErrorBody        = "Authentication Error"
	internalErrorBody    = "500 Internal Server Error"
	badRequestBody       = "400 Bad Request"
	notFoundBody         = "404 Not Found"
	plainTextContentType = "text/plain;charset=UTF-8"
)

// adminOnly returns middleware that admits only requests carrying the admin
// Basic credentials. Every failure mode maps to the same responses on every
// private route.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outcome := s.verifier.Verify(r)
		telemetry.SetAuthOutcome(r, outcome.String())

		switch outcome {
		case auth.OutcomeAuthorized:
			next.ServeHTTP(w, r)
		case auth.OutcomeAuthenticationRequired:
			w.Header().Set("WWW-Authenticate", authChallenge)
			writeText(w, http.StatusUnauthorized, authRequiredBody)
		case auth.OutcomeMalformed:
			writeText(w, http.StatusBadRequest, authErrorBody)
		case auth.OutcomeUnauthorized:
			writeText(w, http.StatusUnauthorized, authErrorBody)
		default:
			writeText(w, http.StatusInternalServerError, internalErrorBody)
		}
	})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", plainTextContentType)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
