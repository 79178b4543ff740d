package rewards

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

type threshold struct {
	tier   Tier
	points int64
}

// ascending; the first entry must start at 0
var thresholds = []threshold{
	{TierBronze, 0},
	{TierSilver, 500},
	{TierGold, 1500},
	{TierPlatinum, 5000},
}

// Rank orders tiers bronze < silver < gold < platinum. Unknown tiers rank -1.
func (t Tier) Rank() int {
	for i, th := range thresholds {
		if th.tier == t {
			return i
		}
	}
	return -1
}

// Threshold is the lifetime points needed to enter the tier.
func (t Tier) Threshold() int64 {
	if r := t.Rank(); r >= 0 {
		return thresholds[r].points
	}
	return 0
}

type Standing struct {
	Tier           Tier    `json:"tier"`
	Progress       float64 `json:"tier_progress"`
	NextTier       Tier    `json:"next_tier,omitempty"`
	NextTierPoints int64   `json:"next_tier_points"`
}

// Classify derives tier standing from lifetime points. Negative input is
// treated as 0.
func Classify(lifetimePoints int64) Standing {
	if lifetimePoints < 0 {
		lifetimePoints = 0
	}

	idx := 0
	for i, th := range thresholds {
		if lifetimePoints >= th.points {
			idx = i
		}
	}

	if idx == len(thresholds)-1 {
		return Standing{Tier: thresholds[idx].tier, Progress: 100, NextTierPoints: 0}
	}

	cur, next := thresholds[idx], thresholds[idx+1]
	band := float64(next.points - cur.points)
	progress := float64(lifetimePoints-cur.points) / band * 100

	return Standing{
		Tier:           cur.tier,
		Progress:       progress,
		NextTier:       next.tier,
		NextTierPoints: next.points - lifetimePoints,
	}
}
