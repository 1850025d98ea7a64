package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tkarna/visor/config"
	"github.com/tkarna/visor/internal/adapter/decoder/ffmpeg"
	"github.com/tkarna/visor/internal/adapter/gateway/ws"
	HTTPAdapter "github.com/tkarna/visor/internal/adapter/http"
	"github.com/tkarna/visor/internal/adapter/inference/httpinfer"
	"github.com/tkarna/visor/internal/adapter/sink/httpsink"
	sqlitestore "github.com/tkarna/visor/internal/adapter/storage/sqlite"
	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/infrastructure/logger"
	"github.com/tkarna/visor/internal/infrastructure/metrics"
	"github.com/tkarna/visor/internal/port"
	"github.com/tkarna/visor/internal/service"
)

// discardSink drops detections when no annotation collaborator is configured.
type discardSink struct{}

func (discardSink) WriteDetections(context.Context, string, []domain.Detection) error {
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error.Printf("failed to load config: %v", err)
		os.Exit(1)
	}

	logger.Info.Printf("starting visor on port %d", cfg.Port)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error.Printf("failed to create data directory: %v", err)
		os.Exit(1)
	}

	store, err := sqlitestore.NewStore(cfg.DataDir)
	if err != nil {
		logger.Error.Printf("failed to create store: %v", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	eventQueue := sqlitestore.NewEventQueue(store)
	router := service.NewRouter()

	dispatcher := service.NewDispatcher(eventQueue, router, service.DispatcherConfig{
		BatchSize:    cfg.DispatchBatchSize,
		Interval:     cfg.DispatchInterval,
		MaxAttempts:  cfg.DispatchMaxAttempts,
		RetryBackoff: domain.NewBackoff(cfg.RetryBase, cfg.RetryCap),
		GCAge:        cfg.EventGCAge,
	})

	flow := service.NewWorkflow(store, dispatcher, service.WorkflowConfig{
		MaxStageAttempts: cfg.MaxStageAttempts,
		RetryBackoff:     domain.NewBackoff(cfg.RetryBase, cfg.RetryCap),
		EventTTL:         cfg.EventTTL,
	})

	var sink port.DetectionSink = discardSink{}
	if cfg.AnnotationURL != "" {
		sink = httpsink.NewSink(cfg.AnnotationURL, 0)
	}

	decoder := ffmpeg.NewDecoder(cfg.SampleFPS)
	infer := httpinfer.NewClient(cfg.InferURL, cfg.InferModel, cfg.InferTimeout)

	coord := service.NewCoordinator(flow, decoder, infer, sink, service.PipelineConfig{
		QueueCapacity:       cfg.QueueCapacity,
		FrameWidth:          cfg.FrameWidth,
		FrameHeight:         cfg.FrameHeight,
		BatchSize:           cfg.BatchSize,
		BatchMaxWait:        cfg.BatchMaxWait,
		InferTimeout:        cfg.InferTimeout,
		InferParallelism:    cfg.InferParallelism,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		NMSIoU:              cfg.NMSIoU,
		TrackIoU:            cfg.TrackIoU,
		TrackMaxAge:         cfg.TrackMaxAge,
		ReorderWindow:       cfg.ReorderWindow,
		ProgressInterval:    cfg.ProgressInterval,
		CancelTimeout:       cfg.CancelTimeout,
		DropRateThreshold:   cfg.DropRateThreshold,
		DropRateWindow:      cfg.DropRateWindow,
	})

	metrics.MustRegister(coord, dispatcher)

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	defer dispatchCancel()
	go dispatcher.Run(dispatchCtx)

	gateway := ws.NewGateway(router)
	server := HTTPAdapter.NewServer(coord, flow, dispatcher, gateway)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info.Printf("received %s, shutting down", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error.Printf("http shutdown error: %v", err)
		}

		gateway.Close()
		coord.Shutdown()
		dispatchCancel()

		logger.Info.Printf("shutdown complete")
	}()

	logger.Info.Printf("server listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error.Printf("server failed: %v", err)
		os.Exit(1)
	}
}
