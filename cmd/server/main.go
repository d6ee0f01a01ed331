package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/vinodismyname/xcelpivot/config"
	"github.com/vinodismyname/xcelpivot/internal/insights"
	"github.com/vinodismyname/xcelpivot/internal/registry"
	"github.com/vinodismyname/xcelpivot/internal/runtime"
	"github.com/vinodismyname/xcelpivot/internal/security"
	"github.com/vinodismyname/xcelpivot/internal/telemetry"
	"github.com/vinodismyname/xcelpivot/internal/workbooks"
	"github.com/vinodismyname/xcelpivot/pkg/version"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var (
		useStdio        bool
		shutdownTimeout time.Duration
		metricsAddr     string
		spillDir        string
		maxRequests     int
		maxWorkbooks    int
		summaryModel    string
	)

	flag.BoolVar(&useStdio, "stdio", false, "Run server over stdio transport")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flag.StringVar(&spillDir, "spill-dir", "", "Directory for crosstab spill files (default: OS temp dir)")
	flag.IntVar(&maxRequests, "max-requests", config.DefaultMaxConcurrentRequests, "Max concurrent tool calls")
	flag.IntVar(&maxWorkbooks, "max-workbooks", config.DefaultMaxOpenWorkbooks, "Max open workbook handles")
	flag.StringVar(&summaryModel, "summary-model", registry.DefaultSummaryModel, "Client model whose context window sizes text summaries")
	flag.Parse()

	logger := zlog.With().Str("service", "xcelpivot-server").Logger()
	ctx := logger.WithContext(context.Background())

	// Security: validate allow-list directories on startup (fail-safe on error)
	secMgr, err := security.NewManagerFromEnv()
	if err != nil {
		logger.Error().Err(err).Msg("security: failed to initialize manager from env")
		fmt.Fprintln(os.Stderr, "invalid security configuration; set "+security.EnvAllowedDirs)
		os.Exit(1)
	}
	if err := secMgr.ValidateConfig(); err != nil {
		logger.Error().Err(err).Msg("security: invalid allow-list configuration")
		fmt.Fprintln(os.Stderr, "no allowed directories configured; set "+security.EnvAllowedDirs)
		os.Exit(1)
	}
	logger.Info().Strs("allowed_dirs", secMgr.AllowedDirectories()).Msg("security allow-list configured")

	limits := runtime.NewLimits(maxRequests, maxWorkbooks)
	runtimeController := runtime.NewController(limits)
	runtimeMW := runtime.NewMiddleware(runtimeController, logger)

	mgr := workbooks.NewManager(config.DefaultWorkbookIdleTTL, config.DefaultWorkbookCleanupPeriod, runtimeController, nil)
	mgr.SetValidator(secMgr)
	mgr.SetLogger(logger)
	mgr.Start()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("workbook manager close")
		}
	}()

	metrics := telemetry.NewMetrics(nil)
	hooks := telemetry.NewHooks(logger, metrics)

	writesEnabled := registry.WritesEnabled()
	writeFilter := registry.NewWriteToolFilter(writesEnabled)
	pivoter := &insights.Pivoter{
		Limits:   limits,
		Mgr:      mgr,
		Gate:     runtimeController,
		Observer: metrics,
		SpillDir: spillDir,
	}
	if writesEnabled {
		pivoter.Writes = secMgr
	}

	toolRegistry := registry.New()
	toolRegistry.WithModel(summaryModel)

	srv := server.NewMCPServer(
		"XcelPivot Crosstab Server",
		version.Version(),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithRecovery(),
		server.WithHooks(hooks.Server()),
		server.WithToolHandlerMiddleware(runtimeMW.ToolMiddleware),
		server.WithToolFilter(func(ctx context.Context, tools []mcp.Tool) []mcp.Tool { return writeFilter.FilterTools(ctx, tools) }),
	)

	registry.RegisterFoundationTools(srv, toolRegistry, runtimeController.LimitsSnapshot(), mgr)
	registry.RegisterPivotTools(srv, toolRegistry, pivoter)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", metricsAddr).Msg("metrics listener stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().
		Ctx(ctx).
		Str("version", version.Version()).
		Int("max_concurrent_requests", limits.MaxConcurrentRequests).
		Int("max_open_workbooks", limits.MaxOpenWorkbooks).
		Int("max_concurrent_builds", limits.MaxConcurrentBuilds).
		Str("summary_model", toolRegistry.Model()).
		Int("summary_budget", toolRegistry.SummaryBudget()).
		Bool("writes_enabled", writesEnabled).
		Str("metrics_addr", metricsAddr).
		Bool("stdio", useStdio).
		Msg("server bootstrap configured")

	if useStdio {
		hooks.OnServerStart()
		err := server.ServeStdio(srv)
		hooks.OnServerStop()
		if err != nil {
			// Use stderr for transport errors so clients don't misinterpret output
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// If no transport flags provided, print usage and exit non-zero
	fmt.Fprintln(os.Stderr, "no transport selected; use --stdio to run over stdio")
	os.Exit(2)
}
