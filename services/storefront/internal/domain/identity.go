package domain

// Identity is who the visitor is: anonymous, or an authenticated user.
// The zero value is Anonymous. Identities are comparable with ==.
type Identity struct {
	userID string
}

// Anonymous returns the guest identity.
func Anonymous() Identity { return Identity{} }

// Authenticated returns the identity of userID. An empty id is Anonymous.
func Authenticated(userID string) Identity { return Identity{userID: userID} }

// IsAuthenticated reports whether the identity belongs to a signed-in user.
func (i Identity) IsAuthenticated() bool { return i.userID != "" }

// UserID is the authenticated user's id, or "".
func (i Identity) UserID() string { return i.userID }

func (i Identity) String() string {
	if !i.IsAuthenticated() {
		return "anonymous"
	}
	return "user:" + i.userID
}

// IsLogin reports whether prev -> next is the Anonymous -> Authenticated edge.
func IsLogin(prev, next Identity) bool {
	return !prev.IsAuthenticated() && next.IsAuthenticated()
}
