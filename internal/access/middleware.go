package access

import (
	"context"
	"log/slog"
	"net/http"
)

type gateContextKey struct{}

// ContextWithGate stores the request gate in ctx.
func ContextWithGate(ctx context.Context, g *Gate) context.Context {
	return context.WithValue(ctx, gateContextKey{}, g)
}

// FromContext returns the request gate, or nil.
func FromContext(ctx context.Context) *Gate {
	g, _ := ctx.Value(gateContextKey{}).(*Gate)
	return g
}

// Middleware builds one Gate per request, bootstraps it and resolves the
// roles of the request's active group.
type Middleware struct {
	// Client returns the auth service bound to the request's credentials.
	Client func(r *http.Request) AuthService
	// ActiveGroup returns the group selected by the request, or zero.
	ActiveGroup func(r *http.Request) int64
	OpenMode    bool
	Logger      *slog.Logger
}

// Attach installs a bootstrapped gate in the request context and closes it
// when the request is done.
func (m Middleware) Attach(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var svc AuthService
		if m.Client != nil {
			svc = m.Client(r)
		}
		gate := NewGate(svc, Config{OpenMode: m.OpenMode, Logger: m.Logger})
		defer gate.Close()

		ctx := r.Context()
		if svc != nil || m.OpenMode {
			state := gate.Bootstrap(ctx)
			if state.Authenticated() && m.ActiveGroup != nil {
				if groupID := m.ActiveGroup(r); groupID > 0 {
					if _, err := gate.SelectGroup(ctx, groupID); err != nil && m.Logger != nil {
						m.Logger.Warn("select group", slog.Int64("group_id", groupID), slog.Any("error", err))
					}
				}
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithGate(ctx, gate)))
	})
}

// Require rejects requests whose gate does not grant capability.
func (m Middleware) Require(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gate := FromContext(r.Context())
			if gate == nil || !gate.State().Authenticated() {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if !gate.Can(capability) {
				if m.Logger != nil {
					m.Logger.Info("capability denied", slog.String("capability", capability), slog.String("path", r.URL.Path))
				}
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StateFrom returns the state of the request gate, or the zero state when
// no gate is attached.
func StateFrom(ctx context.Context) AuthState {
	if g := FromContext(ctx); g != nil {
		return g.State()
	}
	return AuthState{}
}
