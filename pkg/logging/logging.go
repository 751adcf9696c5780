// Package logging carries the contextual fields every arc-nosql store logs
// with: component, table, tenant and operation.
package logging

import (
	"context"
	"log/slog"
	"strings"
)

// Field keys shared by all store log lines.
const (
	KeyComponent = "component"
	KeyTable     = "table"
	KeyTenant    = "tenant"
	KeyOp        = "op"
)

// maxTenantLen bounds how much of a tenant id is logged. Tenants are
// usually DIDs, which are long and mostly a common prefix.
const maxTenantLen = 24

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps a level name to a slog.Level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Logger is an immutable slog.Logger with store fields attached.
type Logger struct {
	sl *slog.Logger
}

// New wraps base, or slog.Default() when base is nil.
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{sl: base}
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{sl: l.sl.With(key, value)}
}

func (l *Logger) WithComponent(name string) *Logger { return l.with(KeyComponent, name) }
func (l *Logger) WithTable(name string) *Logger     { return l.with(KeyTable, name) }
func (l *Logger) WithOp(name string) *Logger        { return l.with(KeyOp, name) }

// WithTenant attaches tenant, shortened by ShortTenant.
func (l *Logger) WithTenant(tenant string) *Logger {
	return l.with(KeyTenant, ShortTenant(tenant))
}

func (l *Logger) Info(msg string, args ...any) {
	l.sl.Info(msg, args...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.sl.DebugContext(ctx, msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.sl.InfoContext(ctx, msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.sl.WarnContext(ctx, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.sl.ErrorContext(ctx, msg, args...)
}

// ShortTenant truncates long tenant ids for log output.
func ShortTenant(tenant string) string {
	if len(tenant) <= maxTenantLen {
		return tenant
	}
	return tenant[:maxTenantLen] + "..."
}
