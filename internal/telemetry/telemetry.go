// Package telemetry configures the OpenTelemetry tracer provider. When
// tracing is disabled every tracer handed out is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// TracerName 是本项目 span 的 instrumentation scope。
const TracerName = "OpenGoal-Chain"

// 常用 span 属性。
var (
	AttrHandler     = attribute.Key("opengoal.handler.name")
	AttrHandlerRole = attribute.Key("opengoal.handler.role")
	AttrSource      = attribute.Key("opengoal.dispatch.source")
	AttrHops        = attribute.Key("opengoal.dispatch.hops")
	AttrGoalID      = attribute.Key("opengoal.goal.id")
	AttrActionType  = attribute.Key("opengoal.action.type")
	AttrIterations  = attribute.Key("opengoal.think.iterations")
)

// Config 描述追踪配置。
type Config struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Exporter   string  `json:"exporter" yaml:"exporter"`
	Output     string  `json:"output" yaml:"output"`
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`
}

// Provider 封装 tracer provider 及其关闭逻辑。
type Provider struct {
	Tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Init 根据配置初始化追踪并设置为全局 provider。
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exporter, closer, err := createExporter(cfg)
	if err != nil {
		return nil, err
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		Tracer: tp.Tracer(TracerName),
		shutdown: func(ctx context.Context) error {
			err := tp.Shutdown(ctx)
			if closer != nil {
				if cerr := closer.Close(); err == nil {
					err = cerr
				}
			}
			return err
		},
	}, nil
}

// Shutdown 刷新并关闭 provider。
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(cfg Config) (sdktrace.SpanExporter, io.Closer, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", "stdout":
		writer := io.Writer(os.Stdout)
		var closer io.Closer
		if path := strings.TrimSpace(cfg.Output); path != "" && path != "stdout" {
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("打开追踪输出文件失败: %w", err)
			}
			writer, closer = file, file
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(writer))
		if err != nil {
			return nil, nil, fmt.Errorf("创建 stdout 导出器失败: %w", err)
		}
		return exporter, closer, nil
	case "none":
		return noopExporter{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("不支持的追踪导出器 %q (可选: stdout, none)", cfg.Exporter)
	}
}

// Tracer 返回全局 provider 中的 tracer，供未显式注入 tracer 的组件使用。
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan 启动一个内部 span。
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                             { return nil }
