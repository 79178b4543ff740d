package rewards

import (
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionEarn     TransactionType = "earn"
	TransactionRedeem   TransactionType = "redeem"
	TransactionBonus    TransactionType = "bonus"
	TransactionReferral TransactionType = "referral"
	TransactionExpired  TransactionType = "expired"
)

// credits reports whether the type adds to lifetime points.
func (t TransactionType) credits() bool {
	switch t {
	case TransactionEarn, TransactionBonus, TransactionReferral:
		return true
	}
	return false
}

// UserRewards is the denormalized per-user aggregate. The Seed columns keep
// the starting balance so the totals can be rebuilt from the transaction log.
type UserRewards struct {
	UserID             string    `gorm:"column:user_id;primaryKey;size:64" json:"user_id"`
	TotalPoints        int64     `gorm:"column:total_points;not null;default:0" json:"total_points"`
	LifetimePoints     int64     `gorm:"column:lifetime_points;not null;default:0" json:"lifetime_points"`
	SeedTotalPoints    int64     `gorm:"column:seed_total_points;not null;default:0" json:"-"`
	SeedLifetimePoints int64     `gorm:"column:seed_lifetime_points;not null;default:0" json:"-"`
	ReferralCode       string    `gorm:"column:referral_code;size:32;uniqueIndex" json:"referral_code"`
	ReferralCount      int64     `gorm:"column:referral_count;not null;default:0" json:"referral_count"`
	CreatedAt          time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (UserRewards) TableName() string { return "user_rewards" }

type PointsTransaction struct {
	ID             string          `gorm:"column:id;primaryKey;size:32" json:"id"`
	UserID         string          `gorm:"column:user_id;size:64;not null;index:idx_points_tx_user_created,priority:1;uniqueIndex:idx_points_tx_idempotency,priority:1" json:"user_id"`
	Points         int64           `gorm:"column:points;not null" json:"points"`
	Type           TransactionType `gorm:"column:type;size:16;not null" json:"type"`
	Description    string          `gorm:"column:description" json:"description"`
	ReferenceID    string          `gorm:"column:reference_id;size:64" json:"reference_id,omitempty"`
	IdempotencyKey *string         `gorm:"column:idempotency_key;size:128;uniqueIndex:idx_points_tx_idempotency,priority:2" json:"idempotency_key,omitempty"`
	Metadata       datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at;index:idx_points_tx_user_created,priority:2" json:"created_at"`
}

func (PointsTransaction) TableName() string { return "points_transactions" }

type RedeemedReward struct {
	ID            string     `gorm:"column:id;primaryKey;size:32" json:"id"`
	UserID        string     `gorm:"column:user_id;size:64;not null;index" json:"user_id"`
	RewardID      string     `gorm:"column:reward_id;size:64;not null" json:"reward_id"`
	RewardName    string     `gorm:"column:reward_name" json:"reward_name"`
	PointsCost    int64      `gorm:"column:points_cost;not null" json:"points_cost"`
	Code          string     `gorm:"column:code;size:32;uniqueIndex" json:"code"`
	TransactionID string     `gorm:"column:transaction_id;size:32;uniqueIndex" json:"transaction_id"`
	RedeemedAt    time.Time  `gorm:"column:redeemed_at;not null" json:"redeemed_at"`
	ExpiresAt     time.Time  `gorm:"column:expires_at;not null" json:"expires_at"`
	Used          bool       `gorm:"column:used;not null;default:false" json:"used"`
	UsedAt        *time.Time `gorm:"column:used_at" json:"used_at,omitempty"`
}

func (RedeemedReward) TableName() string { return "redeemed_rewards" }

const (
	RedemptionActive = "active"
	RedemptionUsed   = "used"
)

// RedemptionQuery filters and orders a user's redemptions. Active means
// unused and not yet expired at Now.
type RedemptionQuery struct {
	SortBy  string    `form:"sort_by"`
	OrderBy string    `form:"order_by" binding:"omitempty,oneof=asc desc"`
	Status  string    `form:"status" binding:"omitempty,oneof=active used"`
	Limit   int       `form:"limit" binding:"omitempty,gte=1,lte=100"`
	Now     time.Time `form:"-"`
}

func Models() []any {
	return []any{&UserRewards{}, &PointsTransaction{}, &RedeemedReward{}}
}

// Source tells callers where a snapshot came from.
type Source string

const (
	SourceStored    Source = "stored"
	SourceSeeded    Source = "seeded"
	SourceAnonymous Source = "anonymous"
	SourceDegraded  Source = "degraded"
)

// Snapshot is a read view of one user's ledger.
type Snapshot struct {
	UserID         string              `json:"user_id,omitempty"`
	Source         Source              `json:"source"`
	Degraded       bool                `json:"degraded"`
	TotalPoints    int64               `json:"total_points"`
	LifetimePoints int64               `json:"lifetime_points"`
	Standing                           // tier, progress, next tier
	ReferralCode   string              `json:"referral_code,omitempty"`
	ReferralCount  int64               `json:"referral_count"`
	Transactions   []PointsTransaction `json:"transactions"`
	Redemptions    []RedeemedReward    `json:"redemptions"`
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Transactions = append(make([]PointsTransaction, 0, len(s.Transactions)), s.Transactions...)
	out.Redemptions = append(make([]RedeemedReward, 0, len(s.Redemptions)), s.Redemptions...)
	return &out
}

type Seed struct {
	TotalPoints    int64
	LifetimePoints int64
}

type EarnRequest struct {
	UserID         string            `json:"-"`
	Points         int64             `json:"points"`
	Description    string            `json:"description"`
	ReferenceID    string            `json:"reference_id"`
	Type           TransactionType   `json:"type"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata"`
}

type EarnResult struct {
	Snapshot    *Snapshot          `json:"snapshot"`
	Transaction *PointsTransaction `json:"transaction"`
	Replayed    bool               `json:"replayed"`
}

type RedeemRequest struct {
	UserID         string `json:"-"`
	RewardID       string `json:"reward_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type RedeemResult struct {
	Snapshot    *Snapshot          `json:"snapshot"`
	Redemption  *RedeemedReward    `json:"redemption"`
	Transaction *PointsTransaction `json:"transaction"`
	Replayed    bool               `json:"replayed"`
}

type Reconciliation struct {
	UserID                 string `json:"user_id"`
	StoredTotalPoints      int64  `json:"stored_total_points"`
	StoredLifetimePoints   int64  `json:"stored_lifetime_points"`
	ReplayedTotalPoints    int64  `json:"replayed_total_points"`
	ReplayedLifetimePoints int64  `json:"replayed_lifetime_points"`
	Transactions           int64  `json:"transactions"`
	Consistent             bool   `json:"consistent"`
	Repaired               bool   `json:"repaired"`
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// metadataJSON always yields a JSON object so the column is never NULL.
func metadataJSON(base map[string]string, extra map[string]string) datatypes.JSON {
	meta := make(map[string]string, len(base)+len(extra))
	for k, v := range extra {
		meta[k] = v
	}
	for k, v := range base {
		if v != "" {
			meta[k] = v
		}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}
