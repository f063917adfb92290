package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/paritybot/cascade/internal/cfg"
	"github.com/paritybot/cascade/internal/githubclt"
	"github.com/paritybot/cascade/internal/gitlabclt"
	"github.com/paritybot/cascade/internal/gitworker"
	"github.com/paritybot/cascade/internal/logfields"
	"github.com/paritybot/cascade/internal/orchestrator"
	"github.com/paritybot/cascade/internal/retryer"
	"github.com/paritybot/cascade/internal/store"
	"github.com/paritybot/cascade/internal/webhook"
	"github.com/paritybot/cascade/internal/webhookproxy"
)

var version = "devel"

func main() {
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	logFormat := pflag.String("log-format", "logfmt", "log encoding: logfmt, console or json")
	printVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	logger := mustInitLogger(*verbose, *logFormat)
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic, shutting down", zap.Any("panic", r))
			goodbye.Exit(context.Background(), 1)
		}
	}()

	ctx := context.Background()
	goodbye.Notify(ctx)

	c, err := cfg.FromEnv()
	if err != nil {
		logger.Fatal("loading configuration failed", zap.Error(err))
	}

	retry := retryer.New()
	goodbye.Register(func(context.Context, os.Signal) { retry.Stop() })

	appClt, err := githubclt.NewAppClient(c.GithubAppID, c.PrivateKey, retry)
	if err != nil {
		logger.Fatal("initializing github app client failed", zap.Error(err))
	}

	installationID, err := appClt.OrgInstallationID(ctx, c.InstallationLogin)
	if err != nil {
		logger.Fatal("resolving github app installation id failed",
			zap.String("installation_login", c.InstallationLogin), zap.Error(err))
	}

	gh, err := appClt.InstallationClient(ctx, installationID)
	if err != nil {
		logger.Fatal("minting initial installation access token failed", zap.Error(err))
	}

	gitlab := gitlabclt.New(c.GitlabURL, c.GitlabAccessToken, retry)
	git := gitworker.New(c.RepositoriesPath)

	st, err := store.Open(c.DBPath)
	if err != nil {
		logger.Fatal("opening persistent store failed", zap.String("db_path", c.DBPath), zap.Error(err))
	}
	goodbye.Register(func(context.Context, os.Signal) {
		if err := st.Close(); err != nil {
			logger.Warn("closing persistent store failed", zap.Error(err))
		}
	})

	orch := orchestrator.New(c, installationID, gh, gitlab, git, appClt, st, retry)

	if err := orch.Startup(ctx); err != nil {
		logger.Fatal("replaying pending merges at startup failed", zap.Error(err))
	}

	dispatcher := webhook.New(c.WebhookSecret, func(e webhook.Event) {
		orch.HandleWebhookEvent(ctx, e)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	if c.WebhookProxyURL != "" {
		// The proxy pushes deliveries to us; /webhook is not reachable from
		// outside, but /metrics still needs a listener.
		proxy := webhookproxy.New(c.WebhookProxyURL)
		go proxy.Run(ctx, dispatcher.HandleDelivery)

		logger.Info("startup complete, receiving webhooks via proxy",
			logfields.Event("startup_complete"), zap.String("webhook_proxy_url", c.WebhookProxyURL))
	} else {
		mux.HandleFunc("/webhook", dispatcher.HTTPHandler)

		logger.Info("startup complete", logfields.Event("startup_complete"), zap.Int("webhook_port", c.WebhookPort))
	}

	startHTTPServer(logger, mux, c.WebhookPort)

	select {}
}

func startHTTPServer(logger *zap.Logger, handler http.Handler, port int) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	goodbye.Register(func(ctx context.Context, _ os.Signal) {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down http server failed", zap.Error(err))
		}
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", logfields.Event("http_server_failed"), zap.Error(err))
		}
	}()
}

func mustInitLogger(verbose bool, format string) *zap.Logger {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "logfmt":
		encoder = zaplogfmt.NewEncoder(encCfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown log format %q, falling back to logfmt\n", format)
		encoder = zaplogfmt.NewEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)

	return zap.New(core, zap.AddCaller())
}
