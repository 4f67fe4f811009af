// Package auth verifies HTTP Basic credentials against the admin credential
// held in the secret store.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/wolfeidau/version-gateway/telemetry"
)

// Outcome is the result of verifying one request.
type Outcome int

const (
	// OutcomeAuthorized means the credentials matched.
	OutcomeAuthorized Outcome = iota
	// OutcomeAuthenticationRequired means no Authorization header was sent.
	OutcomeAuthenticationRequired
	// OutcomeMalformed means the header or its decoded text is not valid Basic credentials.
	OutcomeMalformed
	// OutcomeUnauthorized means well-formed credentials that do not match.
	OutcomeUnauthorized
	// OutcomeUnavailable means the admin credential could not be fetched.
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthorized:
		return "authorized"
	case OutcomeAuthenticationRequired:
		return "authentication_required"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Credential is a user and password pair.
type Credential struct {
	User string
	Pass string
}

// CredentialSource returns the current admin credential. It is called on
// every verification so rotated secrets apply to the next request.
type CredentialSource interface {
	Credential(ctx context.Context) (Credential, error)
}

// SourceFunc adapts a function to a CredentialSource.
type SourceFunc func(ctx context.Context) (Credential, error)

// Credential calls f.
func (f SourceFunc) Credential(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// Verifier checks the Authorization header of a request.
type Verifier struct {
	source CredentialSource
	logger *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger for credential lookup failures.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// NewVerifier creates a Verifier comparing against source.
func NewVerifier(source CredentialSource, opts ...Option) *Verifier {
	v := &Verifier{
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify classifies the credentials presented by r.
func (v *Verifier) Verify(r *http.Request) Outcome {
	outcome := v.verify(r)
	telemetry.RecordAuthOutcome(r.Context(), outcome.String())
	return outcome
}

func (v *Verifier) verify(r *http.Request) Outcome {
	header, ok := r.Header["Authorization"]
	if !ok || len(header) == 0 {
		return OutcomeAuthenticationRequired
	}

	presented, err := ParseBasic(header[0])
	if err != nil {
		return OutcomeMalformed
	}

	want, err := v.source.Credential(r.Context())
	if err != nil {
		v.logger.Error("admin credential lookup failed", "error", err)
		return OutcomeUnavailable
	}

	userOK := subtle.ConstantTimeCompare([]byte(presented.User), []byte(want.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(presented.Pass), []byte(want.Pass)) == 1
	if userOK && passOK {
		return OutcomeAuthorized
	}
	return OutcomeUnauthorized
}

// ParseBasic decodes a Basic Authorization header value. The decoded text
// is normalised to NFC and split on its first colon.
func ParseBasic(header string) (Credential, error) {
	tokens := strings.Split(header, " ")
	if len(tokens) != 2 || tokens[0] != "Basic" || tokens[1] == "" {
		return Credential{}, fmt.Errorf("auth: not a basic authorization header")
	}

	// Padding is optional but must be correct when present.
	enc := base64.StdEncoding
	if !strings.Contains(tokens[1], "=") {
		enc = base64.RawStdEncoding
	}
	raw, err := enc.DecodeString(tokens[1])
	if err != nil {
		return Credential{}, fmt.Errorf("auth: decoding credentials: %w", err)
	}
	if !utf8.Valid(raw) {
		return Credential{}, fmt.Errorf("auth: credentials are not valid utf-8")
	}
	text := norm.NFC.String(string(raw))

	for _, r := range text {
		if r < 0x20 || r == 0x7f {
			return Credential{}, fmt.Errorf("auth: control character in credentials")
		}
	}

	user, pass, found := strings.Cut(text, ":")
	if !found {
		return Credential{}, fmt.Errorf("auth: credentials have no separator")
	}
	return Credential{User: user, Pass: pass}, nil
}
