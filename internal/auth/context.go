package auth

import "context"

type snapshotContextKey struct{}

// ContextWithSnapshot attaches a resolved snapshot to the context.
func ContextWithSnapshot(ctx context.Context, snap *Snapshot) context.Context {
	if snap == nil {
		return ctx
	}
	return context.WithValue(ctx, snapshotContextKey{}, snap)
}

// SnapshotFromContext returns the snapshot attached by AttachPermissions. Callers must
// treat a missing snapshot as no elevated capability.
func SnapshotFromContext(ctx context.Context) (*Snapshot, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(snapshotContextKey{}).(*Snapshot)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
