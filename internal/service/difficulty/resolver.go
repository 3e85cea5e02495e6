package difficulty

import (
	"fmt"
	"strconv"
	"strings"

	"equinox/internal/domain"
)

// DefaultProfiles is the strength table used when no override is configured.
var DefaultProfiles = map[domain.Tier]domain.DifficultyProfile{
	domain.TierEasy:   {SkillLevel: 2, SearchDepth: 3},
	domain.TierMedium: {SkillLevel: 10, SearchDepth: 5},
	domain.TierHard:   {SkillLevel: 20, SearchDepth: 10},
}

// Tiers returns the closed set of tiers, weakest first.
func Tiers() []domain.Tier {
	return []domain.Tier{domain.TierEasy, domain.TierMedium, domain.TierHard}
}

// Resolver maps tiers to engine profiles. It is immutable after construction.
type Resolver struct {
	profiles map[domain.Tier]domain.DifficultyProfile
}

func NewResolver(profiles map[domain.Tier]domain.DifficultyProfile) *Resolver {
	table := make(map[domain.Tier]domain.DifficultyProfile, len(DefaultProfiles))
	for tier, p := range DefaultProfiles {
		table[tier] = p
	}
	for tier, p := range profiles {
		if _, ok := table[tier]; ok {
			table[tier] = p
		}
	}
	return &Resolver{profiles: table}
}

func (r *Resolver) Resolve(tier domain.Tier) (domain.DifficultyProfile, error) {
	p, ok := r.profiles[tier]
	if !ok {
		return domain.DifficultyProfile{}, domain.E(domain.KindInvalidRequest, "resolve difficulty", domain.ErrInvalidDifficulty.Message, nil)
	}
	return p, nil
}

// ParseTier normalises raw input into a tier of the closed set.
func ParseTier(raw string) (domain.Tier, error) {
	tier := domain.Tier(strings.ToLower(strings.TrimSpace(raw)))
	switch tier {
	case domain.TierEasy, domain.TierMedium, domain.TierHard:
		return tier, nil
	}
	return "", domain.E(domain.KindInvalidRequest, "parse difficulty", domain.ErrInvalidDifficulty.Message, nil)
}

// ParseProfiles reads an override table of the form
// "easy=2:3,medium=10:5,hard=20:10" (skill:depth).
func ParseProfiles(raw string) (map[domain.Tier]domain.DifficultyProfile, error) {
	out := make(map[domain.Tier]domain.DifficultyProfile)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, pair, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("profile %q: missing '='", entry)
		}
		tier, err := ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", entry, err)
		}
		skillRaw, depthRaw, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("profile %q: want skill:depth", entry)
		}
		skill, err := strconv.Atoi(strings.TrimSpace(skillRaw))
		if err != nil || skill < 0 || skill > 20 {
			return nil, fmt.Errorf("profile %q: skill level must be 0..20", entry)
		}
		depth, err := strconv.Atoi(strings.TrimSpace(depthRaw))
		if err != nil || depth < 1 {
			return nil, fmt.Errorf("profile %q: search depth must be positive", entry)
		}
		out[tier] = domain.DifficultyProfile{SkillLevel: skill, SearchDepth: depth}
	}
	return out, nil
}
