package rewards

import (
	"fmt"

	"smallbiznis-rewards/pkg/celengine"
	"smallbiznis-rewards/pkg/config"

	"github.com/google/cel-go/cel"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

type Reward struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	PointsCost   int64  `json:"points_cost"`
	Category     string `json:"category,omitempty"`
	Available    bool   `json:"available"`
	Terms        string `json:"terms,omitempty"`
	ValidityDays int    `json:"validity_days,omitempty"`
	Eligibility  string `json:"eligibility,omitempty"`

	program cel.Program
}

// CatalogItem is a reward as presented to one user.
type CatalogItem struct {
	Reward
	Eligible   bool `json:"eligible"`
	Affordable bool `json:"affordable"`
}

// Catalog is the read-only list of redeemable rewards.
type Catalog struct {
	rewards []*Reward
	byID    map[string]*Reward
}

func eligibilityEnv() (*cel.Env, error) {
	return celengine.BuildCelEnvFromAttributes(eligibilityAttrs(Standing{}, 0, 0))
}

func eligibilityAttrs(st Standing, lifetime, total int64) map[string]any {
	return map[string]any{
		"tier":            string(st.Tier),
		"lifetime_points": lifetime,
		"total_points":    total,
	}
}

func NewCatalog(entries []config.CatalogEntry) (*Catalog, error) {
	env, err := eligibilityEnv()
	if err != nil {
		return nil, fmt.Errorf("build eligibility env: %w", err)
	}

	c := &Catalog{byID: make(map[string]*Reward, len(entries))}
	for i, e := range entries {
		id := e.ID
		if id == "" {
			id = slug.Make(e.Name)
		}
		if id == "" {
			return nil, fmt.Errorf("catalog entry %d: id or name required", i)
		}
		if e.PointsCost <= 0 {
			return nil, fmt.Errorf("catalog entry %q: points cost must be > 0", id)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("catalog entry %q: duplicate id", id)
		}

		r := &Reward{
			ID:           id,
			Name:         e.Name,
			Description:  e.Description,
			PointsCost:   e.PointsCost,
			Category:     e.Category,
			Available:    e.Available,
			Terms:        e.Terms,
			ValidityDays: e.ValidityDays,
			Eligibility:  e.Eligibility,
		}
		if r.Name == "" {
			r.Name = id
		}

		if e.Eligibility != "" {
			prg, err := celengine.Compile(env, e.Eligibility)
			if err != nil {
				return nil, fmt.Errorf("catalog entry %q: eligibility: %w", id, err)
			}
			r.program = prg
		}

		c.rewards = append(c.rewards, r)
		c.byID[id] = r
	}

	return c, nil
}

func ProvideCatalog(cfg *config.Config) (*Catalog, error) {
	c, err := NewCatalog(cfg.Rewards.Catalog)
	if err != nil {
		return nil, err
	}
	zap.L().Info("[Rewards] catalog loaded", zap.Int("rewards", len(c.rewards)))
	return c, nil
}

func (c *Catalog) List() []Reward {
	out := make([]Reward, 0, len(c.rewards))
	for _, r := range c.rewards {
		out = append(out, *r)
	}
	return out
}

// ListFor annotates every reward with whether the snapshot's owner may and can
// redeem it.
func (c *Catalog) ListFor(s *Snapshot) []CatalogItem {
	out := make([]CatalogItem, 0, len(c.rewards))
	for _, r := range c.rewards {
		item := CatalogItem{Reward: *r}
		if s != nil && s.Source != SourceAnonymous {
			item.Eligible = r.Available && c.Eligible(r, s.Standing, s.LifetimePoints, s.TotalPoints)
			item.Affordable = s.TotalPoints >= r.PointsCost
		}
		out = append(out, item)
	}
	return out
}

// Lookup returns the reward when it exists and is available.
func (c *Catalog) Lookup(id string) (*Reward, error) {
	r, ok := c.byID[id]
	if !ok || !r.Available {
		return nil, rewardUnavailable(id)
	}
	return r, nil
}

// Eligible evaluates the reward's eligibility rule. A rule that fails to
// evaluate denies the reward.
func (c *Catalog) Eligible(r *Reward, st Standing, lifetime, total int64) bool {
	if r.program == nil {
		return true
	}
	ok, err := celengine.Evaluate(r.program, eligibilityAttrs(st, lifetime, total))
	if err != nil {
		zap.L().Warn("[Rewards] eligibility evaluation failed", zap.String("reward_id", r.ID), zap.Error(err))
		return false
	}
	return ok
}
