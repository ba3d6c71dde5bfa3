package proxychain

import (
	"context"
	"database/sql"
	"log/slog"
)

// LoggingLink is a simple non-terminal link that logs every query and exec
// at debug level before forwarding, demonstrating the "inspect, then
// forward" override shape every interceptor link follows.
type LoggingLink struct {
	baseLink
}

// NewLoggingLink wraps next in a debug-logging link.
func NewLoggingLink(next Link) (*LoggingLink, error) {
	l := &LoggingLink{}
	if err := l.SetNext(next); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *LoggingLink) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	slog.Debug("proxychain query", slog.String("query", query))

	return l.baseLink.Query(ctx, query, args...)
}

func (l *LoggingLink) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	slog.Debug("proxychain exec", slog.String("query", query))

	return l.baseLink.Exec(ctx, query, args...)
}

var _ Link = (*LoggingLink)(nil)
