package consent

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm/logger"
)

// gormLogger routes gorm output into slog.
type gormLogger struct {
	logger   *slog.Logger
	logLevel logger.LogLevel
}

func newGormLogger(l *slog.Logger) *gormLogger {
	return &gormLogger{logger: l, logLevel: logger.Warn}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	nl := *l
	nl.logLevel = level
	return &nl
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.logLevel >= logger.Info {
		l.logger.InfoContext(ctx, msg, "data", data)
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.logLevel >= logger.Warn {
		l.logger.WarnContext(ctx, msg, "data", data)
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.logLevel >= logger.Error {
		l.logger.ErrorContext(ctx, msg, "data", data)
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.logLevel <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{
		slog.String("sql", sql),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}
	switch {
	case err != nil && err != logger.ErrRecordNotFound && l.logLevel >= logger.Error:
		l.logger.ErrorContext(ctx, "sql failed", append(attrs, slog.Any("error", err))...)
	case elapsed > time.Second && l.logLevel >= logger.Warn:
		l.logger.WarnContext(ctx, "slow sql", attrs...)
	case l.logLevel >= logger.Info:
		l.logger.DebugContext(ctx, "sql", attrs...)
	}
}
