package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Service string
	Level   string // debug, info, warn, error
	Format  string // json or console
	Output  string // stdout, stderr or a file path
}

func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}
	sink, err := writeSyncer(cfg.Output)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	var enc zapcore.Encoder
	if strings.EqualFold(cfg.Format, "console") {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	logger := zap.New(zapcore.NewCore(enc, sink, level), zap.AddCaller())
	if cfg.Service != "" {
		logger = logger.With(zap.String("service", cfg.Service))
	}
	return logger, nil
}

func writeSyncer(out string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", out, err)
	}
	return zapcore.AddSync(f), nil
}

// OrNop lets components accept a nil logger.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Fields are the correlation attributes every tx-lab log line carries.
type Fields struct {
	TxID        string
	Participant string
	OrderID     string
	EventID     string
	Step        string
	Status      string
	Duration    time.Duration
}

func (f Fields) Zap() []zap.Field {
	out := make([]zap.Field, 0, 7)
	if f.TxID != "" {
		out = append(out, zap.String("txid", f.TxID))
	}
	if f.Participant != "" {
		out = append(out, zap.String("participant", f.Participant))
	}
	if f.OrderID != "" {
		out = append(out, zap.String("order_id", f.OrderID))
	}
	if f.EventID != "" {
		out = append(out, zap.String("event_id", f.EventID))
	}
	if f.Step != "" {
		out = append(out, zap.String("step", f.Step))
	}
	if f.Status != "" {
		out = append(out, zap.String("status", f.Status))
	}
	if f.Duration > 0 {
		out = append(out, zap.Int64("duration_ms", f.Duration.Milliseconds()))
	}
	return out
}

func Log(l *zap.Logger, msg string, f Fields) {
	OrNop(l).Info(msg, f.Zap()...)
}
