package httpx

import (
	"net/http"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/shared"
)

// Actor derives the acting user and group from the request gate. It fails
// when the request is anonymous, has no active group, or the user holds no
// role in that group.
func Actor(r *http.Request) (shared.Actor, error) {
	gate := access.FromContext(r.Context())
	if gate == nil {
		return shared.Actor{}, access.ErrNotAuthenticated
	}
	state := gate.State()
	if !state.Authenticated() {
		return shared.Actor{}, access.ErrNotAuthenticated
	}
	if state.ActiveGroupID == 0 {
		return shared.Actor{}, shared.ErrNoActiveGroup
	}
	if !state.RolesResolved {
		return shared.Actor{}, access.ErrMembershipNotFound
	}
	return shared.Actor{UserID: state.UserID(), GroupID: state.ActiveGroupID, Perms: state}, nil
}
