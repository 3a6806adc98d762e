package domain

import "strconv"

// UserID is the transport-assigned numeric user key.
type UserID int64

// guestPoolID is a reserved key for the shared guest identity. Real transport
// user ids are positive.
const guestPoolID UserID = -1

// Identity is a metered actor: a concrete user or the shared guest pool.
// Identities are created lazily on first observed activity and never destroyed.
type Identity struct {
	ID   UserID
	Name string
}

// GuestPool is the shared identity for unenumerated members of permitted
// group chats. All their spend accrues against one ledger entry.
var GuestPool = Identity{ID: guestPoolID, Name: "all guest users in group chats"}

// Key returns the stable ledger/storage key for the identity.
func (i Identity) Key() string {
	if i.ID == guestPoolID {
		return "guests"
	}
	return strconv.FormatInt(int64(i.ID), 10)
}

// IsGuestPool reports whether the identity is the shared guest pool.
func (i Identity) IsGuestPool() bool { return i.ID == guestPoolID }

// ChatKind distinguishes private conversations from group chats, which face
// tighter platform-wide flood limits.
type ChatKind int

const (
	ChatPrivate ChatKind = iota
	ChatGroup
)

// Actor is a resolved inbound identity with the role facts the policy layer
// consumes. GroupHasPermittedMember is only probed for group chats where the
// user is neither enumerated nor an admin.
type Actor struct {
	Identity               Identity
	IsAdmin                bool
	ChatKind               ChatKind
	GroupHasPermittedMember bool
}
