package sink

import (
	"context"
	"log/slog"
)

// Logger renders terminal values as structured log records.
type Logger struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogger returns a sink logging at info level through logger.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger, level: slog.LevelInfo}
}

// Render logs one record per response.
func (s *Logger) Render(ctx context.Context, value any) error {
	if list, ok := items(value); ok {
		for i, item := range list {
			s.log(ctx, item, slog.Int("index", i), slog.Int("batch_size", len(list)))
		}
		return nil
	}
	s.log(ctx, value)
	return nil
}

func (s *Logger) log(ctx context.Context, value any, extra ...slog.Attr) {
	attrs := extra
	if resp, ok := response(value); ok {
		attrs = append(attrs,
			slog.Int("status", resp.Status),
			slog.String("class", string(resp.Class())),
			slog.Any("body", resp.Body),
		)
	} else {
		attrs = append(attrs, slog.Any("value", value))
	}
	s.logger.LogAttrs(ctx, s.level, "terminal output", attrs...)
}
