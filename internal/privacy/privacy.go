// Package privacy decides whether an activity may appear in cross-user
// aggregates. Two independent settings are combined: the owner's tier and
// the activity's own visibility as reported by the remote. Personal views
// never consult this package.
package privacy

import (
	"errors"
	"fmt"
)

// Tier is the user-level privacy setting.
type Tier string

const (
	TierPublic   Tier = "public"
	TierClubOnly Tier = "club_only"
	TierPrivate  Tier = "private"
)

// Visibility is the record-level setting reported by the remote.
type Visibility string

const (
	VisibilityEveryone      Visibility = "everyone"
	VisibilityFollowersOnly Visibility = "followers_only"
	VisibilityOnlyMe        Visibility = "only_me"
)

// ErrInvalidTier is returned by ParseTier for unknown tiers.
var ErrInvalidTier = errors.New("invalid privacy tier")

// ParseTier validates a tier string.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierPublic, TierClubOnly, TierPrivate:
		return t, nil
	}
	return "", fmt.Errorf("%w %q", ErrInvalidTier, s)
}

// ParseVisibility validates a visibility string.
func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(s); v {
	case VisibilityEveryone, VisibilityFollowersOnly, VisibilityOnlyMe:
		return v, nil
	}
	return "", fmt.Errorf("invalid visibility %q", s)
}

// FromRemote maps the remote's visibility field onto Visibility. Older
// payloads only carry the private flag; unknown values are treated as
// only_me so that nothing leaks into aggregates by accident.
func FromRemote(visibility string, private bool) Visibility {
	if v, err := ParseVisibility(visibility); err == nil {
		return v
	}
	if visibility == "" && !private {
		return VisibilityEveryone
	}
	return VisibilityOnlyMe
}

// IsVisibleForAggregate reports whether a record with visibility v owned by
// a user with tier t may be counted in a cross-user aggregate. Both gates
// must pass.
func IsVisibleForAggregate(v Visibility, t Tier) bool {
	return t != TierPrivate && v != VisibilityOnlyMe
}

// SQLPredicate returns the aggregate gate as a SQL boolean expression over
// the given user and activity table aliases.
func SQLPredicate(userAlias, activityAlias string) string {
	return fmt.Sprintf("(%s.privacy_tier <> '%s' AND %s.visibility <> '%s')",
		userAlias, TierPrivate, activityAlias, VisibilityOnlyMe)
}
