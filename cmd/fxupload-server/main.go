package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/derektruong/fxupload"
	"github.com/derektruong/fxupload/identity"
	"github.com/derektruong/fxupload/internal/config"
	"github.com/derektruong/fxupload/internal/refill"
	s3protoc "github.com/derektruong/fxupload/protoc/s3"
	"github.com/derektruong/fxupload/storage"
	"github.com/derektruong/fxupload/storage/local"
	"github.com/derektruong/fxupload/storage/postgres"
	"github.com/derektruong/fxupload/storage/s3"
	"github.com/derektruong/fxupload/transport/httpapi"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logr.FromSlogHandler(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Error(err, "invalid configuration")
		os.Exit(2)
	}
	if err = run(ctx, logger, cfg); err != nil {
		logger.Error(err, "server stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, logger logr.Logger, cfg *config.Config) (err error) {
	// setup state store
	var store storage.Store
	switch cfg.Store {
	case config.StorePostgres:
		var pgStore *postgres.Store
		if pgStore, err = postgres.Open(ctx, logger, cfg.DatabaseDSN); err != nil {
			return
		}
		defer pgStore.Close()
		store = pgStore
	default:
		var localStore *local.Store
		if localStore, err = local.NewStore(logger, filepath.Join(cfg.DataDir, "state")); err != nil {
			return
		}
		defer localStore.Close()
		store = localStore
	}

	var files *local.Files
	if files, err = local.NewFiles(logger, filepath.Join(cfg.DataDir, "files")); err != nil {
		return
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	options := []fxupload.UploaderOption{
		fxupload.WithRates(refill.Rates{
			MasterKBps:  cfg.MasterRateKBps,
			ClientKBps:  cfg.ClientRateKBps,
			MinimumKBps: cfg.MinimumRateKBps,
		}),
		fxupload.WithMaxFileSize(cfg.MaxFileSize),
		fxupload.WithSliceSize(cfg.SliceSize),
		fxupload.WithMetricsRegisterer(registry),
		fxupload.WithListener(eventLogger{logger: logger.WithName("events")}),
	}

	// setup export
	if cfg.ExportEnabled() {
		s3Client := s3protoc.NewClient(cfg.S3Endpoint, cfg.S3Bucket, cfg.S3Region, cfg.S3AccessKey, cfg.S3SecretKey)
		exporter := s3.NewExporter(logger, s3Client.GetS3API(), cfg.S3Bucket, cfg.S3Prefix, 0)
		if err = exporter.Ping(ctx); err != nil {
			return
		}
		logger.Info("exporting completed uploads", "uri", s3Client.GetURI(), "connectionID", s3Client.GetConnectionID())
		options = append(options, fxupload.WithExporter(exporter))
	}

	var uploader fxupload.Uploader
	if uploader, err = fxupload.NewUploader(logger, store, files, options...); err != nil {
		return
	}
	uploader.Start(ctx)
	defer uploader.Close()

	resolver := identity.NewResolver(logger, []byte(cfg.CookieSecret),
		identity.WithCookieName(cfg.CookieName),
		identity.WithMaxAge(time.Duration(cfg.CookieMaxAge)))
	api := httpapi.NewServer(logger, uploader, resolver,
		httpapi.WithRequestTimeout(time.Duration(cfg.RequestTimeout)))

	servers := []*http.Server{{Addr: cfg.Addr, Handler: api.Handler()}}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: mux})
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		group.Go(func() error {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error(err, "failed to shut down server", "addr", srv.Addr)
			}
		}
		return nil
	})
	return group.Wait()
}
