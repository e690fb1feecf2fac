// Package models provides data model definitions for the Peated offline core.
package models

// Feed partition keys. Feeds are keyed by opaque strings so callers can
// also derive keys for parameterized lists (e.g. "bottle:"+id).
const (
	FeedFriends  = "friends"
	FeedPersonal = "personal"
	FeedGlobal   = "global"
)
