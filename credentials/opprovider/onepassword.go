// Package opprovider resolves admin credential references through the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/version-gateway/credentials"
)

// DefaultCLI is the 1Password CLI binary looked up on PATH.
const DefaultCLI = "op"

// WithOnePassword registers an "op" template function that reads a secret
// reference such as op://vault/gateway/password with `op read`.
func WithOnePassword() credentials.ResolverOption {
	return WithOnePasswordCLI(DefaultCLI)
}

// WithOnePasswordCLI is WithOnePassword using the binary at path.
func WithOnePasswordCLI(path string) credentials.ResolverOption {
	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, "op://") {
			return "", fmt.Errorf("op reference %q must start with op://", ref)
		}

		cmd := exec.CommandContext(ctx, path, "read", "--no-newline", ref)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}

		// --no-newline leaves the secret exactly as stored.
		return stdout.String(), nil
	})
}
