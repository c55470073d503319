package relaychat

import "strings"

// ConversationKey is the stable identifier for a direct or group
// conversation. Two shapes exist: "dm:<a>_<b>" with the participant ids in
// lexicographic order, and "group:<groupId>". The key is symmetric: either
// participant resolving the same pair produces the same string.
type ConversationKey string

const (
	dmKeyPrefix    = "dm:"
	groupKeyPrefix = "group:"
)

// IsGroup reports whether the key names a group conversation.
func (k ConversationKey) IsGroup() bool {
	return strings.HasPrefix(string(k), groupKeyPrefix)
}

// GroupID returns the group id for a group key, or "" for a direct key.
func (k ConversationKey) GroupID() string {
	if !k.IsGroup() {
		return ""
	}
	return strings.TrimPrefix(string(k), groupKeyPrefix)
}

// DirectKey computes the conversation key for a direct message between two
// user ids. Order of the arguments does not matter.
func DirectKey(userA, userB string) ConversationKey {
	if userB < userA {
		userA, userB = userB, userA
	}
	return ConversationKey(dmKeyPrefix + userA + "_" + userB)
}

// GroupKey computes the conversation key for a group conversation.
func GroupKey(groupID string) ConversationKey {
	return ConversationKey(groupKeyPrefix + groupID)
}

// ResolveKey maps the current user and a selection to a conversation key.
// For direct selections the peer id is the contact's linked account when one
// exists, else the contact's own id (Contact.PeerID); callers must pass
// contacts through this path rather than hand-building keys, so the same
// pair can never resolve to two different keys.
//
// The function is pure. An empty currentUserID still yields a syntactically
// valid key; callers gate network activity on having a real user id, not on
// the key.
func ResolveKey(currentUserID string, sel Selection) ConversationKey {
	if sel.IsGroup() {
		return GroupKey(sel.Group.ID)
	}
	if sel.Contact == nil {
		return DirectKey(currentUserID, "")
	}
	return DirectKey(currentUserID, sel.Contact.PeerID())
}
