package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/alexisbeaulieu97/flowplug/internal/catalog"
	"github.com/alexisbeaulieu97/flowplug/internal/config"
	"github.com/alexisbeaulieu97/flowplug/internal/loader/native"
	"github.com/alexisbeaulieu97/flowplug/internal/loader/scripted"
	"github.com/alexisbeaulieu97/flowplug/internal/logger"
	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/internal/plugin"
	"github.com/alexisbeaulieu97/flowplug/internal/plugins"
	"github.com/alexisbeaulieu97/flowplug/internal/schema"
)

// appContext bundles the services a command needs.
type appContext struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *plugin.Registry
	roots    []manifest.Root
	catalog  *catalog.Catalog
	metrics  *prometheus.Registry
	tracing  *sdktrace.TracerProvider
}

// newApp loads configuration and builds a registry with every loader. It
// does not run discovery.
func newApp(cmd *cobra.Command, flags *rootFlags) (*appContext, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, newCommandError(cmd.Name(), "loading configuration", err, "Fix the configuration file or FLOWPLUG_* environment variables.")
	}
	if flags.verbose {
		cfg.LogLevel = "debug"
	}
	if len(flags.roots) > 0 {
		cfg.Roots = flags.roots
	}
	if flags.catalog != "" {
		cfg.CatalogPath = flags.catalog
	}
	if flags.metrics {
		cfg.Metrics.Enabled = true
	}

	log, err := logger.New(logger.Options{
		Level:         cfg.LogLevel,
		HumanReadable: cfg.LogFormat == "console",
		Writer:        cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, newCommandError(cmd.Name(), "creating logger", err, "Use one of debug, info, warn or error for log_level.")
	}

	app := &appContext{cfg: cfg, log: log}

	validator, err := schema.NewValidator(cfg.SchemaCacheSize)
	if err != nil {
		return nil, err
	}

	opts := []plugin.Option{
		plugin.WithLogger(log),
		plugin.WithConfig(cfg.Registry()),
		plugin.WithSchemaValidator(validator),
		plugin.WithLoader(native.NewLoader(native.WithStatic(plugins.Module()), native.WithLogger(log))),
		plugin.WithLoader(scripted.NewLoader(log)),
	}

	if cfg.Metrics.Enabled {
		app.metrics = prometheus.NewRegistry()
		m, err := plugin.NewMetrics(app.metrics, cfg.Metrics.Namespace)
		if err != nil {
			return nil, err
		}
		opts = append(opts, plugin.WithMetrics(m))
	}

	if flags.verbose {
		app.tracing = newTracerProvider(log)
		opts = append(opts, plugin.WithTracer(app.tracing.Tracer("flowplug")))
	}

	app.registry = plugin.NewRegistry(opts...)

	app.roots = append(app.roots, plugins.Root())
	for _, dir := range cfg.Roots {
		if _, err := os.Stat(dir); err != nil {
			log.Debug("plugin root not found", "root", dir)
			continue
		}
		app.roots = append(app.roots, manifest.DirRoot{Dir: dir})
	}
	return app, nil
}

// discover registers everything the roots declare. Duplicate names are
// reported in the log and left out; malformed manifests are skipped.
func (a *appContext) discover(ctx context.Context) (manifest.Report, error) {
	report, err := manifest.Discover(ctx, a.log, a.roots...)
	var dup *manifest.DiscoveryError
	if err != nil && !errors.As(err, &dup) {
		return report, err
	}
	if dup != nil {
		a.log.Warn("duplicate plugin names ignored", "error", dup.Error())
	}
	if regErr := a.registry.RegisterAll(report.Manifests); regErr != nil {
		return report, regErr
	}
	return report, nil
}

// openCatalog loads the catalog file on first use.
func (a *appContext) openCatalog() (*catalog.Catalog, error) {
	if a.catalog != nil {
		return a.catalog, nil
	}
	c, err := catalog.New(a.cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	a.catalog = c
	return c, nil
}

// syncCatalog records the registry state and saves the catalog.
func (a *appContext) syncCatalog() error {
	c, err := a.openCatalog()
	if err != nil {
		return err
	}
	c.Sync(a.registry.List())
	return c.Save()
}

// shutdown closes live plugins and flushes tracing.
func (a *appContext) shutdown(ctx context.Context) {
	if err := a.registry.CloseAll(context.WithoutCancel(ctx)); err != nil {
		a.log.Warn("closing plugins failed", "error", err)
	}
	if a.tracing != nil {
		_ = a.tracing.Shutdown(context.WithoutCancel(ctx))
	}
}

// writeMetrics dumps the registry collectors in the Prometheus text format.
func (a *appContext) writeMetrics(w io.Writer) error {
	if a.metrics == nil {
		return nil
	}
	return writeExposition(w, a.metrics)
}
