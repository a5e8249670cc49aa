package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agrolink/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowQuery is the latency above which a statement is logged as slow.
const slowQuery = 200 * time.Millisecond

// queryLogger routes GORM output through the application logger so SQL lines
// carry the request and user ids of the call that issued them. Failed and slow
// statements are also counted per SQL verb.
type queryLogger struct {
	level logger.LogLevel
	slow  time.Duration
}

// NewGormLogger returns a GORM logger at the given level.
func NewGormLogger(level logger.LogLevel) logger.Interface {
	return &queryLogger{level: level, slow: slowQuery}
}

func (l *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *queryLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		observability.Logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *queryLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		observability.Logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *queryLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		observability.Logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Trace is called by GORM after every statement. Missing rows are expected
// lookups in this codebase and never count as errors.
func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := l.slow > 0 && elapsed > l.slow

	if !failed && !slow && l.level < logger.Info {
		return
	}

	sql, rows := fc()
	kind := statementKind(sql)
	attrs := []any{
		slog.String("sql", sql),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}

	switch {
	case failed && l.level >= logger.Error:
		observability.DatabaseQueries.WithLabelValues(kind, "error").Inc()
		observability.Logger.ErrorContext(ctx, "Database query failed", append(attrs, slog.String("error", err.Error()))...)
	case slow && l.level >= logger.Warn:
		observability.DatabaseQueries.WithLabelValues(kind, "slow").Inc()
		observability.Logger.WarnContext(ctx, "Slow database query", attrs...)
	case l.level >= logger.Info:
		observability.Logger.DebugContext(ctx, "Database query", attrs...)
	}
}

// statementKind returns the leading SQL verb, lowercased.
func statementKind(sql string) string {
	verb, _, _ := strings.Cut(strings.TrimSpace(sql), " ")
	switch v := strings.ToLower(verb); v {
	case "select", "insert", "update", "delete":
		return v
	default:
		return "other"
	}
}
