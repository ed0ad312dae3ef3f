package telemetry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

var errorReportingEnabled bool

// InitErrorReporting enables Sentry-compatible error capture when dsn is set.
// The returned func flushes pending events and should be deferred by main.
func InitErrorReporting(dsn, environment, service string) (func(), error) {
	if dsn == "" {
		slog.Info("error reporting disabled: SENTRY_DSN not set")
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			if event.Tags == nil {
				event.Tags = make(map[string]string)
			}
			event.Tags["service"] = service
			return event
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init error reporting: %w", err)
	}
	errorReportingEnabled = true
	slog.Info("error reporting initialized", slog.String("environment", environment))
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// CaptureError reports err with tags. It is a no-op when reporting is disabled.
func CaptureError(err error, tags map[string]string) {
	if err == nil || !errorReportingEnabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetLevel(sentry.LevelError)
		sentry.CaptureException(err)
	})
}

// RecoverAndReport converts a recovered panic value into an error, reports it and returns it.
// Use as: defer func() { if r := recover(); r != nil { err = RecoverAndReport(r, tags) } }()
func RecoverAndReport(r any, tags map[string]string) error {
	err := fmt.Errorf("panic recovered: %v", r)
	if errorReportingEnabled {
		sentry.WithScope(func(scope *sentry.Scope) {
			for k, v := range tags {
				scope.SetTag(k, v)
			}
			scope.SetLevel(sentry.LevelFatal)
			sentry.CaptureException(err)
		})
	}
	return err
}
