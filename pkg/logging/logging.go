package logging

import (
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Fields is the common set of structured keys every service logs with.
type Fields struct {
	OrderID  int64
	EventID  string
	Step     string
	Status   string
	Duration time.Duration
}

func (f Fields) Zap() []zap.Field {
	out := make([]zap.Field, 0, 5)
	if f.OrderID != 0 {
		out = append(out, OrderID(f.OrderID))
	}
	if f.EventID != "" {
		out = append(out, EventID(f.EventID))
	}
	if f.Step != "" {
		out = append(out, Step(f.Step))
	}
	if f.Status != "" {
		out = append(out, Status(f.Status))
	}
	if f.Duration > 0 {
		out = append(out, Duration(f.Duration))
	}
	return out
}

func OrderID(id int64) zap.Field         { return zap.Int64("order_id", id) }
func EventID(id string) zap.Field        { return zap.String("event_id", id) }
func Step(s string) zap.Field            { return zap.String("step", s) }
func Status(s string) zap.Field          { return zap.String("status", s) }
func Topic(s string) zap.Field           { return zap.String("topic", s) }
func Duration(d time.Duration) zap.Field { return zap.Int64("duration_ms", d.Milliseconds()) }

// New builds a JSON logger on stdout teed into the global OpenTelemetry log
// provider. Until a provider is installed the OTel side is a no-op.
func New(service, level string) *zap.Logger {
	lvl := ParseLevel(level)

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	console := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(os.Stdout), lvl)

	var otelCore zapcore.Core = otelzap.NewCore(service, otelzap.WithLoggerProvider(global.GetLoggerProvider()))
	if leveled, err := zapcore.NewIncreaseLevelCore(otelCore, lvl); err == nil {
		otelCore = leveled
	}

	return zap.New(zapcore.NewTee(otelCore, console),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", service)),
	)
}

func ParseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
