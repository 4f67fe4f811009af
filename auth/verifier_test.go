package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basic(text string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(text))
}

func staticSource(user, pass string) CredentialSource {
	return SourceFunc(func(context.Context) (Credential, error) {
		return Credential{User: user, Pass: pass}, nil
	})
}

func TestVerifier_Verify(t *testing.T) {
	v := NewVerifier(staticSource("admin", "s3cret:with:colons"))

	tests := []struct {
		name   string
		header []string
		want   Outcome
	}{
		{"no header", nil, OutcomeAuthenticationRequired},
		{"valid", []string{basic("admin:s3cret:with:colons")}, OutcomeAuthorized},
		{"wrong password", []string{basic("admin:nope")}, OutcomeUnauthorized},
		{"wrong user", []string{basic("root:s3cret:with:colons")}, OutcomeUnauthorized},
		{"password prefix", []string{basic("admin:s3cret")}, OutcomeUnauthorized},
		{"empty header", []string{""}, OutcomeMalformed},
		{"bearer scheme", []string{"Bearer abc"}, OutcomeMalformed},
		{"lowercase scheme", []string{"basic " + base64.StdEncoding.EncodeToString([]byte("admin:x"))}, OutcomeMalformed},
		{"scheme only", []string{"Basic"}, OutcomeMalformed},
		{"empty token", []string{"Basic "}, OutcomeMalformed},
		{"double space", []string{"Basic  " + base64.StdEncoding.EncodeToString([]byte("admin:x"))}, OutcomeMalformed},
		{"three tokens", []string{basic("admin:x") + " extra"}, OutcomeMalformed},
		{"bad base64", []string{"Basic !!!!"}, OutcomeMalformed},
		{"no colon", []string{basic("adminpassword")}, OutcomeMalformed},
		{"nul byte", []string{basic("admin:pa\x00ss")}, OutcomeMalformed},
		{"del byte", []string{basic("adm\x7fin:pass")}, OutcomeMalformed},
		{"newline", []string{basic("admin:pass\n")}, OutcomeMalformed},
		{"invalid utf8", []string{"Basic " + base64.StdEncoding.EncodeToString([]byte{'a', ':', 0xff, 0xfe})}, OutcomeMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
			if tt.header != nil {
				r.Header["Authorization"] = tt.header
			}
			assert.Equal(t, tt.want, v.Verify(r))
		})
	}
}

func TestVerifier_UnpaddedBase64(t *testing.T) {
	v := NewVerifier(staticSource("admin", "pw"))

	r := httptest.NewRequest(http.MethodGet, "/keys", nil)
	r.Header.Set("Authorization", "Basic "+base64.RawStdEncoding.EncodeToString([]byte("admin:pw")))
	assert.Equal(t, OutcomeAuthorized, v.Verify(r))
}

func TestParseBasic_RejectsWrongPadding(t *testing.T) {
	padded := base64.StdEncoding.EncodeToString([]byte("admin:pw"))
	require.Equal(t, "YWRtaW46cHc=", padded)

	for _, token := range []string{
		"YWRtaW46cHc==",
		"YWRtaW46cHc===",
		"YWRtaW46cHc=YWRt",
		"YWRtaW4:cHc=",
	} {
		t.Run(token, func(t *testing.T) {
			_, err := ParseBasic("Basic " + token)
			require.Error(t, err)
		})
	}

	c, err := ParseBasic("Basic " + padded)
	require.NoError(t, err)
	assert.Equal(t, Credential{User: "admin", Pass: "pw"}, c)
}

func TestVerifier_NormalisesToNFC(t *testing.T) {
	// "é" precomposed in the store, decomposed on the wire.
	v := NewVerifier(staticSource("admin", "caf\u00e9"))

	r := httptest.NewRequest(http.MethodGet, "/keys", nil)
	r.Header.Set("Authorization", basic("admin:cafe\u0301"))
	assert.Equal(t, OutcomeAuthorized, v.Verify(r))
}

func TestVerifier_Unavailable(t *testing.T) {
	v := NewVerifier(SourceFunc(func(context.Context) (Credential, error) {
		return Credential{}, errors.New("vault sealed")
	}))

	r := httptest.NewRequest(http.MethodGet, "/keys", nil)
	r.Header.Set("Authorization", basic("admin:pw"))
	assert.Equal(t, OutcomeUnavailable, v.Verify(r))

	// Malformed headers never reach the secret store.
	r.Header.Set("Authorization", "Basic")
	assert.Equal(t, OutcomeMalformed, v.Verify(r))
}

func TestVerifier_FetchesCredentialEveryTime(t *testing.T) {
	current := Credential{User: "admin", Pass: "one"}
	calls := 0
	v := NewVerifier(SourceFunc(func(context.Context) (Credential, error) {
		calls++
		return current, nil
	}))

	r := httptest.NewRequest(http.MethodGet, "/keys", nil)
	r.Header.Set("Authorization", basic("admin:one"))
	require.Equal(t, OutcomeAuthorized, v.Verify(r))

	current.Pass = "two"
	require.Equal(t, OutcomeUnauthorized, v.Verify(r))
	assert.Equal(t, 2, calls)
}

func TestParseBasic(t *testing.T) {
	c, err := ParseBasic(basic("user:pass:extra"))
	require.NoError(t, err)
	assert.Equal(t, Credential{User: "user", Pass: "pass:extra"}, c)

	c, err = ParseBasic(basic(":"))
	require.NoError(t, err)
	assert.Equal(t, Credential{}, c)

	_, err = ParseBasic(basic("user"))
	require.Error(t, err)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "authorized", OutcomeAuthorized.String())
	assert.Equal(t, "unavailable", OutcomeUnavailable.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
