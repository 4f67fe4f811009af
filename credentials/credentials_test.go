package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, r *Resolver, input string) (*Credentials, error) {
	t.Helper()
	return r.ResolveReader(context.Background(), strings.NewReader(input))
}

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_PASS", "secret123")

	creds, err := resolve(t, NewResolver(), `{"admin":{"user":"admin","pass":{{ env "TEST_PASS" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "admin", creds.Admin.User)
	require.Equal(t, "secret123", creds.Admin.Pass)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	_, err := resolve(t, NewResolver(), `{"admin":{"pass":{{ env "NONEXISTENT_VAR_XYZ" | json }}}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefaultFunction(t *testing.T) {
	creds, err := resolve(t, NewResolver(), `{"admin":{"user":{{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.Admin.User)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "pass.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("file-secret\n"), 0o600))

	creds, err := resolve(t, NewResolver(), `{"admin":{"pass":{{ file "`+tmpFile+`" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "file-secret", creds.Admin.Pass)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	creds, err := resolve(t, NewResolver(), `{"admin":{"pass":{{ env "TEST_SPECIAL" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, `value with "quotes" and \backslash`, creds.Admin.Pass)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	// Same provider+ref used twice within one template
	input := `{"admin":{"user":{{ mock "same-ref" | json }},"pass":{{ mock "same-ref" | json }}}}`
	creds, err := resolve(t, NewResolver(WithProvider("mock", mockProvider)), input)
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.Admin.User)
	require.Equal(t, "resolved-same-ref", creds.Admin.Pass)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_ProviderError(t *testing.T) {
	failing := func(_ context.Context, ref string) (string, error) {
		return "", errors.New("vault sealed")
	}

	_, err := resolve(t, NewResolver(WithProvider("vault", failing)), `{"admin":{"pass":{{ vault "x" | json }}}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "vault sealed")
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	_, err := resolve(t, NewResolver(), `{"admin": {{ .UndefinedKey }}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	_, err := resolve(t, NewResolver(), `not valid json`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials JSON after template execution")
}

func TestResolveReader_EmptyInput(t *testing.T) {
	creds, err := resolve(t, NewResolver(), `{}`)
	require.NoError(t, err)
	require.Nil(t, creds.Admin)
}

func TestResolveFile_NotFound(t *testing.T) {
	_, err := NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}

func TestResolveReader_OversizedInput(t *testing.T) {
	input := strings.Repeat("x", maxInputSize+1)
	_, err := resolve(t, NewResolver(), input)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestSource_DefaultTemplate(t *testing.T) {
	t.Setenv("GATEWAY_ADMIN_USER", "admin")
	t.Setenv("GATEWAY_ADMIN_PASS", "hunter2")

	src := NewTemplateSource(NewResolver(), DefaultTemplate)
	admin, err := src.Admin(context.Background())
	require.NoError(t, err)
	require.Equal(t, &AdminCredential{User: "admin", Pass: "hunter2"}, admin)
}

func TestSource_ResolvesFreshEachCall(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "creds.json.tmpl")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"admin":{"user":"admin","pass":"one"}}`), 0o600))

	src := NewFileSource(NewResolver(), tmpFile)

	admin, err := src.Admin(context.Background())
	require.NoError(t, err)
	require.Equal(t, "one", admin.Pass)

	// Rotation is visible on the next lookup.
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"admin":{"user":"admin","pass":"two"}}`), 0o600))

	admin, err = src.Admin(context.Background())
	require.NoError(t, err)
	require.Equal(t, "two", admin.Pass)
}

func TestSource_MissingAdmin(t *testing.T) {
	src := NewTemplateSource(NewResolver(), `{"admin":{"user":"admin"}}`)
	_, err := src.Admin(context.Background())
	require.ErrorIs(t, err, ErrNoAdmin)

	src = NewTemplateSource(NewResolver(), `{}`)
	_, err = src.Admin(context.Background())
	require.ErrorIs(t, err, ErrNoAdmin)
}

func TestSource_ResolveError(t *testing.T) {
	src := NewFileSource(NewResolver(), filepath.Join(t.TempDir(), "missing"))
	_, err := src.Admin(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "resolving admin credential")
}
