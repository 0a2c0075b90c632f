package internal

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportPanicsToSentry checks for panics by calling recover, reports any panic found to
// sentry, and then reraises the panic. To have tracebacks included in the report to
// sentry, ReportPanicsToSentry must be called directly in a deferred statement.
func ReportPanicsToSentry() {
	panicData := recover()
	if panicData != nil {
		sentry.CurrentHub().Recover(panicData)
		sentry.Flush(time.Second * 5)
		panic(panicData)
	}
}
