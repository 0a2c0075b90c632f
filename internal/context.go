package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "shellsync_data"
)

// logging metadata for a single request
type data struct {
	userID     string
	documentID string
	sessionID  string
	unit       string
}

// prepare a request context so it can contain shellsync info
func RequestContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxData, &data{})
}

// add the user ID to this request context. Need to have called RequestContext first.
func SetRequestContextUserID(ctx context.Context, userID string) {
	if da := dataFromContext(ctx); da != nil {
		da.userID = userID
	}
}

func SetRequestContextDocument(ctx context.Context, documentID, sessionID string) {
	da := dataFromContext(ctx)
	if da == nil {
		return
	}
	if documentID != "" {
		da.documentID = documentID
	}
	if sessionID != "" {
		da.sessionID = sessionID
	}
}

func SetRequestContextUnit(ctx context.Context, unit string) {
	if da := dataFromContext(ctx); da != nil {
		da.unit = unit
	}
}

func dataFromContext(ctx context.Context) *data {
	d := ctx.Value(ctxData)
	if d == nil {
		return nil
	}
	return d.(*data)
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	da := dataFromContext(ctx)
	if da == nil {
		return l
	}
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.documentID != "" {
		l = l.Str("d", da.documentID)
	}
	if da.sessionID != "" {
		l = l.Str("s", da.sessionID)
	}
	if da.unit != "" {
		l = l.Str("l", da.unit)
	}
	return l
}
