// Package audit records administrative RBAC mutations and first logins as
// structured log entries.
package audit

import (
	"context"
	"errors"
	"maps"
	"strings"

	"github.com/sirupsen/logrus"

	"imail.app/internal/auth"
	"imail.app/internal/identity"
	"imail.app/internal/obs"
)

type requestIDKey struct{}

// ContextWithRequestID makes requestID available to audit entries written under ctx.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID = strings.TrimSpace(requestID); requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// Event is one audited action and the actor that performed it.
type Event struct {
	Name         string
	RequestID    string
	ActorSubject string
	ActorID      string
	Fields       map[string]any
}

// NewEvent captures the request id, verified subject and resolved principal from ctx.
func NewEvent(ctx context.Context, name string, fields map[string]any) Event {
	ev := Event{Name: strings.TrimSpace(name), Fields: maps.Clone(fields)}
	if ev.Fields == nil {
		ev.Fields = map[string]any{}
	}
	if rid, ok := ctx.Value(requestIDKey{}).(string); ok {
		ev.RequestID = rid
	}
	if sub, ok := identity.SubjectFromContext(ctx); ok {
		ev.ActorSubject = sub
	}
	if snap, ok := auth.SnapshotFromContext(ctx); ok {
		ev.ActorID = snap.PrincipalID
	}
	return ev
}

func (e Event) logFields() logrus.Fields {
	out := logrus.Fields{
		"type":   "audit",
		"event":  e.Name,
		"fields": e.Fields,
	}
	for key, val := range map[string]string{
		"request_id":    e.RequestID,
		"actor_subject": e.ActorSubject,
		"actor_id":      e.ActorID,
	} {
		if val != "" {
			out[key] = val
		}
	}
	return out
}

// LogEvent writes an audit entry for ctx's actor. Caller fields are nested under
// "fields" so they cannot shadow the envelope.
func LogEvent(ctx context.Context, name string, fields map[string]any) error {
	ev := NewEvent(ctx, name, fields)
	if ev.Name == "" {
		return errors.New("audit: event name is required")
	}
	obs.Logger().WithContext(ctx).WithFields(ev.logFields()).Info("audit")
	return nil
}
