package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/version-gateway/auth"
	"github.com/wolfeidau/version-gateway/credentials"
	"github.com/wolfeidau/version-gateway/credentials/opprovider"
	"github.com/wolfeidau/version-gateway/deferred"
	"github.com/wolfeidau/version-gateway/ping"
	"github.com/wolfeidau/version-gateway/registry"
	"github.com/wolfeidau/version-gateway/server"
	"github.com/wolfeidau/version-gateway/store/metadb"
	"github.com/wolfeidau/version-gateway/telemetry"
)

// minSaltLength is the salt size below which ip digests are cheap to brute force.
const minSaltLength = 100

// ServeCmd runs the gateway.
type ServeCmd struct {
	StoreFlags `embed:""`
	KeyFlags   `embed:""`

	Listen   string `help:"Address to listen on." default:":8080" env:"GATEWAY_LISTEN"`
	MaxConns int    `help:"Maximum concurrent connections, 0 for unlimited." default:"1024" env:"GATEWAY_MAX_CONNS"`

	RegistryURL     string        `help:"Upstream npm registry." default:"https://registry.npmjs.org" env:"GATEWAY_REGISTRY_URL"`
	UpstreamTimeout time.Duration `help:"Timeout for registry requests." default:"30s" env:"GATEWAY_UPSTREAM_TIMEOUT"`
	Packages        []string      `help:"Packages served by /version." default:"ganache,truffle" env:"GATEWAY_PACKAGES"`

	IPSalt         string `help:"Salt mixed into client address digests." required:"" env:"GATEWAY_IP_SALT"`
	ClientIPHeader string `help:"Header trusted to carry the client address, empty to ignore." default:"CF-Connecting-IP" env:"GATEWAY_CLIENT_IP_HEADER"`
	GeoIPDB        string `help:"MaxMind City database used to locate pings." type:"path" env:"GATEWAY_GEOIP_DB"`

	Credentials string `help:"Credentials template file. Defaults to GATEWAY_ADMIN_USER and GATEWAY_ADMIN_PASS." type:"path" env:"GATEWAY_CREDENTIALS"`
	OnePassword bool   `help:"Enable the op template function (1Password CLI)." env:"GATEWAY_ONEPASSWORD"`

	CacheReapInterval time.Duration `help:"How often expired cached responses are removed (bolt only)." default:"5m" env:"GATEWAY_CACHE_REAP_INTERVAL"`
	DeferredTimeout   time.Duration `help:"Timeout of a background write." default:"30s" env:"GATEWAY_DEFERRED_TIMEOUT"`
	ShutdownTimeout   time.Duration `help:"Graceful shutdown timeout." default:"15s" env:"GATEWAY_SHUTDOWN_TIMEOUT"`

	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"GATEWAY_PROMETHEUS"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics, empty to disable." env:"GATEWAY_OTLP_ENDPOINT"`
}

// Validate rejects allow-list entries that would produce unparseable ping keys.
func (c *ServeCmd) Validate() error {
	for _, name := range c.Packages {
		if err := ping.ValidatePackage(name); err != nil {
			return fmt.Errorf("--packages: %w", err)
		}
	}
	return nil
}

// Run starts the gateway and blocks until SIGINT or SIGTERM.
func (c *ServeCmd) Run(logger *slog.Logger) error {
	if c.IPSalt == "" {
		return errors.New("ip salt must not be empty")
	}
	if len(c.IPSalt) < minSaltLength {
		logger.Warn("ip salt is short, client digests are easier to reverse", "length", len(c.IPSalt), "recommended", minSaltLength)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	s, err := openStore(ctx, c.StoreFlags, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if s.bolt != nil {
		reaper := metadb.NewExpiryReaper(s.bolt,
			metadb.WithReaperInterval(c.CacheReapInterval),
			metadb.WithReaperLogger(logger.With("component", "reaper")),
		)
		go reaper.Run(ctx)
	}

	group := deferred.New(
		deferred.WithTimeout(c.DeferredTimeout),
		deferred.WithLogger(logger.With("component", "deferred")),
	)

	keys := ping.NewKeyBuilder(c.IPSalt, c.epoch())
	logger.Info("ping key epoch", "epoch_ms", keys.Epoch().UnixMilli(), "epoch", keys.Epoch().Format(time.RFC3339))

	recorderOpts := []ping.RecorderOption{
		ping.WithDeferred(group),
		ping.WithClientIPHeader(c.ClientIPHeader),
		ping.WithLogger(logger.With("component", "ping")),
	}
	if c.GeoIPDB != "" {
		geo, err := ping.OpenGeoIP(c.GeoIPDB)
		if err != nil {
			return err
		}
		defer func() { _ = geo.Close() }()
		recorderOpts = append(recorderOpts, ping.WithGeoResolver(geo))
	}

	upstream := registry.NewUpstream(
		registry.WithRegistryURL(c.RegistryURL),
		registry.WithHTTPClient(&http.Client{
			Timeout:   c.UpstreamTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "npm"),
		}),
	)
	resolver := registry.NewResolver(s, upstream,
		registry.WithPackages(c.Packages...),
		registry.WithDeferred(group),
		registry.WithLogger(logger.With("component", "registry")),
	)

	admin := c.adminSource(logger)
	if _, err := admin.Credential(ctx); err != nil {
		logger.Warn("admin credential not resolvable, private routes will fail", "error", err)
	}
	verifier := auth.NewVerifier(admin, auth.WithLogger(logger.With("component", "auth")))

	srv, err := server.New(server.Config{
		Address:  c.Listen,
		MaxConns: c.MaxConns,
		Logger:   logger,
	}, server.Dependencies{
		Resolver:   resolver,
		Recorder:   ping.NewRecorder(keys, s, recorderOpts...),
		Aggregator: ping.NewAggregator(s, keys, ping.WithAggregatorLogger(logger.With("component", "aggregator"))),
		Pings:      s,
		Keys:       keys,
		Verifier:   verifier,
		Deferred:   group,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// adminSource resolves the admin credential template on every verification.
func (c *ServeCmd) adminSource(logger *slog.Logger) auth.CredentialSource {
	opts := []credentials.ResolverOption{credentials.WithLogger(logger.With("component", "credentials"))}
	if c.OnePassword {
		opts = append(opts, opprovider.WithOnePassword())
	}
	resolver := credentials.NewResolver(opts...)

	var src *credentials.Source
	if c.Credentials != "" {
		src = credentials.NewFileSource(resolver, c.Credentials)
	} else {
		src = credentials.NewTemplateSource(resolver, credentials.DefaultTemplate)
	}

	return adminSourceFunc(src)
}

// adminSourceFunc adapts a credentials source to the verifier.
func adminSourceFunc(src *credentials.Source) auth.SourceFunc {
	return func(ctx context.Context) (auth.Credential, error) {
		admin, err := src.Admin(ctx)
		if err != nil {
			return auth.Credential{}, err
		}
		return auth.Credential{User: admin.User, Pass: admin.Pass}, nil
	}
}
