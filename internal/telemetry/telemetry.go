// Package telemetry sets up log rotation and OpenTelemetry exporters.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/zhouzirui/z-clinic/backend/internal/config"
)

// InitLogger 将标准库 log 输出到 stdout，配置 LOG_FILE 时同时写入滚动文件。
func InitLogger(cfg config.LogConfig) (func(), error) {
	if cfg.File == "" {
		log.SetOutput(os.Stdout)
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotating := newRotatingFile(cfg.File, cfg)
	log.SetOutput(io.MultiWriter(os.Stdout, rotating))

	return func() {
		log.SetOutput(os.Stdout)
		if err := rotating.Close(); err != nil {
			log.Printf("[telemetry] close log file failed: %v", err)
		}
	}, nil
}

// InitTelemetry installs global trace and meter providers exporting to
// rotated files under cfg.Dir. The returned cleanup flushes both.
func InitTelemetry(ctx context.Context, cfg config.TelemetryConfig, logCfg config.LogConfig) (func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}

	traceFile := newRotatingFile(filepath.Join(cfg.Dir, cfg.ServiceName+"_traces.log"), logCfg)
	traceExporter, err := stdouttrace.New(
		stdouttrace.WithWriter(traceFile),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricsFile := newRotatingFile(filepath.Join(cfg.Dir, cfg.ServiceName+"_metrics.log"), logCfg)
	metricExporter, err := stdoutmetric.New(
		stdoutmetric.WithWriter(metricsFile),
		stdoutmetric.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				metricExporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	log.Printf("[telemetry] exporting traces and metrics to %s", cfg.Dir)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("[telemetry] shutdown tracer provider failed: %v", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			log.Printf("[telemetry] shutdown meter provider failed: %v", err)
		}
		if err := traceFile.Close(); err != nil {
			log.Printf("[telemetry] close trace file failed: %v", err)
		}
		if err := metricsFile.Close(); err != nil {
			log.Printf("[telemetry] close metrics file failed: %v", err)
		}
	}
	return cleanup, nil
}

func newRotatingFile(path string, cfg config.LogConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}
