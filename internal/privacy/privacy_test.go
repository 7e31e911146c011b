package privacy

import "testing"

func TestIsVisibleForAggregate(t *testing.T) {
	tiers := []Tier{TierPublic, TierClubOnly, TierPrivate}
	visibilities := []Visibility{VisibilityEveryone, VisibilityFollowersOnly, VisibilityOnlyMe}

	for _, tier := range tiers {
		for _, vis := range visibilities {
			want := tier != TierPrivate && vis != VisibilityOnlyMe
			if got := IsVisibleForAggregate(vis, tier); got != want {
				t.Errorf("IsVisibleForAggregate(%s, %s) = %v, want %v", vis, tier, got, want)
			}
		}
	}
}

func TestFromRemote(t *testing.T) {
	cases := []struct {
		visibility string
		private    bool
		want       Visibility
	}{
		{"everyone", false, VisibilityEveryone},
		{"followers_only", false, VisibilityFollowersOnly},
		{"only_me", false, VisibilityOnlyMe},
		{"", false, VisibilityEveryone},
		{"", true, VisibilityOnlyMe},
		{"something_new", false, VisibilityOnlyMe},
	}
	for _, tc := range cases {
		if got := FromRemote(tc.visibility, tc.private); got != tc.want {
			t.Errorf("FromRemote(%q, %v) = %s, want %s", tc.visibility, tc.private, got, tc.want)
		}
	}
}

func TestParseTier(t *testing.T) {
	if _, err := ParseTier("club_only"); err != nil {
		t.Errorf("club_only: %v", err)
	}
	if _, err := ParseTier("secret"); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestSQLPredicate(t *testing.T) {
	got := SQLPredicate("u", "a")
	want := "(u.privacy_tier <> 'private' AND a.visibility <> 'only_me')"
	if got != want {
		t.Errorf("SQLPredicate = %q, want %q", got, want)
	}
}
