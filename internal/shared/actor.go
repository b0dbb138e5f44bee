package shared

// Authorizer answers capability checks for the current request.
type Authorizer interface {
	Can(capability string) bool
}

// Actor identifies who performs a group-scoped operation.
type Actor struct {
	UserID  int64
	GroupID int64
	Perms   Authorizer
}

// Can reports whether the actor holds capability.
func (a Actor) Can(capability string) bool {
	return a.Perms != nil && a.Perms.Can(capability)
}

// Is reports whether the actor is the given user.
func (a Actor) Is(userID int64) bool {
	return userID != 0 && a.UserID == userID
}
