package difficulty

import (
	"errors"
	"testing"

	"equinox/internal/domain"
)

func TestResolve_DefaultTable(t *testing.T) {
	r := NewResolver(nil)
	cases := map[domain.Tier]domain.DifficultyProfile{
		domain.TierEasy:   {SkillLevel: 2, SearchDepth: 3},
		domain.TierMedium: {SkillLevel: 10, SearchDepth: 5},
		domain.TierHard:   {SkillLevel: 20, SearchDepth: 10},
	}
	for tier, want := range cases {
		for i := 0; i < 3; i++ {
			got, err := r.Resolve(tier)
			if err != nil {
				t.Fatalf("Resolve(%s) error: %v", tier, err)
			}
			if got != want {
				t.Fatalf("Resolve(%s) = %+v, want %+v", tier, got, want)
			}
		}
	}
}

func TestResolve_UnknownTier(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve("impossible")
	if !errors.Is(err, domain.ErrInvalidDifficulty) {
		t.Fatalf("expected ErrInvalidDifficulty, got %v", err)
	}
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request kind, got %v", err)
	}
}

func TestNewResolver_OverridesKnownTiersOnly(t *testing.T) {
	r := NewResolver(map[domain.Tier]domain.DifficultyProfile{
		domain.TierEasy: {SkillLevel: 0, SearchDepth: 1},
		"legendary":     {SkillLevel: 20, SearchDepth: 30},
	})
	got, _ := r.Resolve(domain.TierEasy)
	if got != (domain.DifficultyProfile{SkillLevel: 0, SearchDepth: 1}) {
		t.Fatalf("override not applied: %+v", got)
	}
	if _, err := r.Resolve("legendary"); err == nil {
		t.Fatal("expected tier outside the closed set to be rejected")
	}
	if DefaultProfiles[domain.TierEasy].SkillLevel != 2 {
		t.Fatal("override leaked into the default table")
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("  Hard ")
	if err != nil || tier != domain.TierHard {
		t.Fatalf("ParseTier = %q, %v", tier, err)
	}
	if _, err := ParseTier("impossible"); !errors.Is(err, domain.ErrInvalidDifficulty) {
		t.Fatalf("expected ErrInvalidDifficulty, got %v", err)
	}
}

func TestParseProfiles(t *testing.T) {
	got, err := ParseProfiles("easy=1:2, hard=18:12")
	if err != nil {
		t.Fatalf("ParseProfiles error: %v", err)
	}
	if got[domain.TierEasy] != (domain.DifficultyProfile{SkillLevel: 1, SearchDepth: 2}) {
		t.Fatalf("easy = %+v", got[domain.TierEasy])
	}
	if got[domain.TierHard] != (domain.DifficultyProfile{SkillLevel: 18, SearchDepth: 12}) {
		t.Fatalf("hard = %+v", got[domain.TierHard])
	}
	if _, ok := got[domain.TierMedium]; ok {
		t.Fatal("medium should not be present")
	}

	for _, bad := range []string{"easy", "easy=2", "easy=x:3", "easy=25:3", "easy=2:0", "nightmare=1:1"} {
		if _, err := ParseProfiles(bad); err == nil {
			t.Fatalf("ParseProfiles(%q) expected error", bad)
		}
	}
}
