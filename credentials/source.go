package credentials

import (
	"context"
	"fmt"
	"strings"
)

// Source resolves the admin credential on every call, so a rotated secret
// takes effect on the next request without a restart.
type Source struct {
	resolver *Resolver
	path     string
	tmpl     string
}

// NewFileSource resolves the template file at path on each lookup.
func NewFileSource(r *Resolver, path string) *Source {
	return &Source{resolver: r, path: path}
}

// NewTemplateSource resolves an in-memory template on each lookup.
func NewTemplateSource(r *Resolver, tmpl string) *Source {
	return &Source{resolver: r, tmpl: tmpl}
}

// Admin returns the current admin credential.
func (s *Source) Admin(ctx context.Context) (*AdminCredential, error) {
	var (
		creds *Credentials
		err   error
	)
	if s.path != "" {
		creds, err = s.resolver.ResolveFile(ctx, s.path)
	} else {
		creds, err = s.resolver.ResolveReader(ctx, strings.NewReader(s.tmpl))
	}
	if err != nil {
		return nil, fmt.Errorf("resolving admin credential: %w", err)
	}

	if creds.Admin == nil || creds.Admin.User == "" || creds.Admin.Pass == "" {
		return nil, ErrNoAdmin
	}
	return creds.Admin, nil
}
