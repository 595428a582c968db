package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/hcr-api/internal/canvas"
	"github.com/Brownie44l1/hcr-api/internal/config"
	"github.com/Brownie44l1/hcr-api/internal/handlers"
	"github.com/Brownie44l1/hcr-api/internal/logging"
	"github.com/Brownie44l1/hcr-api/internal/model"
	"github.com/Brownie44l1/hcr-api/internal/pipeline"
	"github.com/Brownie44l1/hcr-api/internal/preprocess"
)

func main() {
	configPath := flag.String("config", os.Getenv("HCR_CONFIG"), "path to a TOML, YAML or JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	polarity, err := model.ParsePolarity(cfg.Model.InkPolarity)
	if err != nil {
		return err
	}
	output, err := model.ParseOutputKind(cfg.Model.Output)
	if err != nil {
		return err
	}
	filter, err := preprocess.ParseFilter(cfg.Pipeline.Filter)
	if err != nil {
		return err
	}
	model.SetONNXRuntimeLibrary(cfg.Model.OnnxRuntimeLib)

	fetchTimeout := time.Duration(cfg.Model.FetchTimeoutSec) * time.Second
	var src model.Source = model.DirSource{Root: cfg.Model.ArtifactRoot}
	if cfg.Model.ArtifactURL != "" {
		src = model.HTTPSource{BaseURL: cfg.Model.ArtifactURL, Client: &http.Client{Timeout: fetchTimeout}}
	}

	loader := model.NewLoader(src, model.LoaderOptions{
		InputSize:       cfg.Pipeline.InputSize,
		Labels:          cfg.Pipeline.Labels,
		DefaultPolarity: polarity,
		DefaultOutput:   output,
		FetchTimeout:    fetchTimeout,
		Logger:          logger,
	})
	defer loader.Close()
	loader.Start(cfg.Model.ArtifactID)

	p := &pipeline.Pipeline{
		Engine:    model.NewEngine(loader, cfg.Model.ArtifactID),
		Resampler: preprocess.NewResampler(filter),
		InputSize: cfg.Pipeline.InputSize,
		TopK:      cfg.Pipeline.TopK,
	}
	sessions := pipeline.NewManager(p, cfg.Pipeline.CSSSize, cfg.Pipeline.MaxDevicePixelRatio, canvas.Options{
		BrushMin:     cfg.Pipeline.BrushMin,
		BrushMax:     cfg.Pipeline.BrushMax,
		BrushDefault: cfg.Pipeline.BrushDefault,
	}, logger)

	handler := handlers.NewHandler(loader, p, sessions, logger)
	handler.MaxUpload = cfg.Server.MaxUploadMB << 20

	srv := newServer(cfg.Server, handler.Routes())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"port", cfg.Server.Port,
			"artifact", cfg.Model.ArtifactID,
			"source", sourceName(cfg),
			"input_size", cfg.Pipeline.InputSize)
		logger.Info("endpoints",
			"health", "GET /health",
			"model", "GET /model, POST /model/retry",
			"predict", "POST /predict",
			"image", "POST /predict/image",
			"draw", "GET /ws?dpr=<ratio>")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newServer(cfg config.ServerConfig, h http.Handler) *http.Server {
	timeout := time.Duration(cfg.ReadTimeoutSec) * time.Second
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h,
		ReadHeaderTimeout: timeout,
		ReadTimeout:       timeout,
	}
}

func sourceName(cfg *config.Config) string {
	if cfg.Model.ArtifactURL != "" {
		return cfg.Model.ArtifactURL
	}
	return fmt.Sprintf("dir:%s", cfg.Model.ArtifactRoot)
}
