package session

import (
	"context"
	"strings"

	"lobbyx/internal/callstate"
)

// MicrophoneHeader carries the browser's microphone permission state.
const MicrophoneHeader = "X-Microphone-Permission"

type micKey struct{}

// WithMicrophone records the client's reported microphone permission.
func WithMicrophone(ctx context.Context, granted bool) context.Context {
	return context.WithValue(ctx, micKey{}, granted)
}

// MicrophoneFromContext returns the reported permission and whether one was reported.
func MicrophoneFromContext(ctx context.Context) (granted, reported bool) {
	granted, reported = ctx.Value(micKey{}).(bool)
	return granted, reported
}

// ParseMicrophone interprets a MicrophoneHeader value. Unknown values are
// not reported.
func ParseMicrophone(v string) (granted, reported bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "granted":
		return true, true
	case "denied", "prompt":
		return false, true
	default:
		return false, false
	}
}

// ContextPermissions grants the microphone unless the request context
// carries an explicit refusal.
var ContextPermissions = callstate.PermissionFunc(func(ctx context.Context) bool {
	granted, reported := MicrophoneFromContext(ctx)
	return !reported || granted
})
