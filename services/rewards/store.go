package rewards

import (
	"context"
	"errors"
	"time"

	"smallbiznis-rewards/pkg/db/option"
	"smallbiznis-rewards/pkg/db/pagination"
	"smallbiznis-rewards/pkg/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the persistence boundary of the ledger.
type Store interface {
	GetLedger(ctx context.Context, userID string) (*UserRewards, error)
	PutLedger(ctx context.Context, userID string, totalPoints, lifetimePoints int64) error
	EnsureLedger(ctx context.Context, userID string, seed Seed, referralCode string) (*UserRewards, error)
	FindByReferralCode(ctx context.Context, code string) (*UserRewards, error)
	ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]string, error)

	AppendTransaction(ctx context.Context, tx *PointsTransaction) error
	ListTransactions(ctx context.Context, userID string, page pagination.Pagination) ([]*PointsTransaction, error)
	FindTransactionByKey(ctx context.Context, userID, key string) (*PointsTransaction, error)
	SumTransactions(ctx context.Context, userID string) (LogTotals, error)

	AppendRedemption(ctx context.Context, r *RedeemedReward) error
	ListRedemptions(ctx context.Context, userID string, q RedemptionQuery) ([]*RedeemedReward, error)
	CountRedemptions(ctx context.Context, userID string, q RedemptionQuery) (int64, error)
	FindRedemption(ctx context.Context, userID, redemptionID string) (*RedeemedReward, error)
	FindRedemptionByTransaction(ctx context.Context, transactionID string) (*RedeemedReward, error)

	ApplyEarn(ctx context.Context, seed Seed, referralCode string, tx *PointsTransaction) (*UserRewards, error)
	ApplyRedeem(ctx context.Context, seed Seed, referralCode string, tx *PointsTransaction, r *RedeemedReward) (*UserRewards, error)
	MarkUsed(ctx context.Context, userID, redemptionID string, now time.Time) (*RedeemedReward, error)
}

// LogTotals aggregates a user's transaction log.
type LogTotals struct {
	Count   int64 `gorm:"column:tx_count"`
	Sum     int64 `gorm:"column:tx_sum"`
	Credits int64 `gorm:"column:tx_credits"`
}

type gormStore struct {
	db *gorm.DB

	ledger       repository.Repository[UserRewards]
	transactions repository.Repository[PointsTransaction]
	redemptions  repository.Repository[RedeemedReward]
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{
		db:           db,
		ledger:       repository.ProvideStore[UserRewards](db),
		transactions: repository.ProvideStore[PointsTransaction](db),
		redemptions:  repository.ProvideStore[RedeemedReward](db),
	}
}

func (s *gormStore) GetLedger(ctx context.Context, userID string) (*UserRewards, error) {
	row, err := s.ledger.FindOne(ctx, &UserRewards{UserID: userID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrLedgerNotFound
	}
	return row, nil
}

func (s *gormStore) PutLedger(ctx context.Context, userID string, totalPoints, lifetimePoints int64) error {
	err := s.ledger.Update(ctx, userID, map[string]any{
		"total_points":    totalPoints,
		"lifetime_points": lifetimePoints,
		"updated_at":      time.Now().UTC(),
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrLedgerNotFound
	}
	return err
}

func (s *gormStore) EnsureLedger(ctx context.Context, userID string, seed Seed, referralCode string) (*UserRewards, error) {
	var row *UserRewards
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = s.ensureLedger(ctx, tx, userID, seed, referralCode)
		return err
	})
	return row, err
}

// ensureLedger inserts the seeded row when missing and returns the current row.
func (s *gormStore) ensureLedger(ctx context.Context, tx *gorm.DB, userID string, seed Seed, referralCode string) (*UserRewards, error) {
	now := time.Now().UTC()
	row := &UserRewards{
		UserID:             userID,
		TotalPoints:        seed.TotalPoints,
		LifetimePoints:     seed.LifetimePoints,
		SeedTotalPoints:    seed.TotalPoints,
		SeedLifetimePoints: seed.LifetimePoints,
		ReferralCode:       referralCode,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
		return nil, err
	}

	current, err := s.ledger.WithTrx(tx).FindOne(ctx, &UserRewards{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrLedgerNotFound
	}
	return current, nil
}

func (s *gormStore) FindByReferralCode(ctx context.Context, code string) (*UserRewards, error) {
	row, err := s.ledger.FindOne(ctx, &UserRewards{ReferralCode: code})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrReferralNotFound
	}
	return row, nil
}

func (s *gormStore) ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]string, error) {
	var ids []string
	q := s.db.WithContext(ctx).Model(&UserRewards{})
	if afterUserID != "" {
		q = option.ApplyOperator(option.Condition{Field: "user_id", Operator: option.GT, Value: afterUserID})(q)
	}
	q = option.WithLimit(limit)(q.Order("user_id ASC"))
	err := q.Pluck("user_id", &ids).Error
	return ids, err
}

func (s *gormStore) AppendTransaction(ctx context.Context, tx *PointsTransaction) error {
	return s.transactions.Create(ctx, tx)
}

func (s *gormStore) ListTransactions(ctx context.Context, userID string, page pagination.Pagination) ([]*PointsTransaction, error) {
	return s.transactions.Find(ctx, &PointsTransaction{UserID: userID}, option.ApplyPagination(page))
}

func (s *gormStore) FindTransactionByKey(ctx context.Context, userID, key string) (*PointsTransaction, error) {
	return s.transactions.FindOne(ctx, &PointsTransaction{UserID: userID, IdempotencyKey: &key})
}

func (s *gormStore) SumTransactions(ctx context.Context, userID string) (LogTotals, error) {
	var out LogTotals
	err := s.db.WithContext(ctx).Model(&PointsTransaction{}).
		Select(
			"COUNT(*) AS tx_count, COALESCE(SUM(points), 0) AS tx_sum, COALESCE(SUM(CASE WHEN type IN ? THEN points ELSE 0 END), 0) AS tx_credits",
			[]string{string(TransactionEarn), string(TransactionBonus), string(TransactionReferral)},
		).
		Where("user_id = ?", userID).
		Scan(&out).Error
	return out, err
}

func (s *gormStore) AppendRedemption(ctx context.Context, r *RedeemedReward) error {
	return s.redemptions.Create(ctx, r)
}

// RedemptionSorts lists the columns a redemption listing may be ordered by.
var RedemptionSorts = map[string]bool{
	"redeemed_at": true,
	"expires_at":  true,
	"points_cost": true,
}

func redemptionFilters(q RedemptionQuery) []option.QueryOption {
	switch q.Status {
	case RedemptionActive:
		return []option.QueryOption{
			option.ApplyOperator(option.Condition{Field: "used", Operator: option.EQ, Value: false}),
			option.ApplyOperator(option.Condition{Field: "expires_at", Operator: option.GT, Value: q.Now}),
		}
	case RedemptionUsed:
		return []option.QueryOption{
			option.ApplyOperator(option.Condition{Field: "used", Operator: option.EQ, Value: true}),
		}
	}
	return nil
}

func (s *gormStore) ListRedemptions(ctx context.Context, userID string, q RedemptionQuery) ([]*RedeemedReward, error) {
	opts := append(redemptionFilters(q),
		option.WithSortBy(option.QuerySortBy{
			SortBy:  q.SortBy,
			OrderBy: q.OrderBy,
			Default: "redeemed_at",
			Allow:   RedemptionSorts,
		}),
		func(db *gorm.DB) *gorm.DB { return db.Order("id DESC") },
		option.WithLimit(q.Limit),
	)
	return s.redemptions.Find(ctx, &RedeemedReward{UserID: userID}, opts...)
}

func (s *gormStore) CountRedemptions(ctx context.Context, userID string, q RedemptionQuery) (int64, error) {
	return s.redemptions.Count(ctx, &RedeemedReward{UserID: userID}, redemptionFilters(q)...)
}

func (s *gormStore) FindRedemption(ctx context.Context, userID, redemptionID string) (*RedeemedReward, error) {
	r, err := s.redemptions.FindOne(ctx, &RedeemedReward{ID: redemptionID, UserID: userID})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRedemptionNotFound
	}
	return r, nil
}

func (s *gormStore) FindRedemptionByTransaction(ctx context.Context, transactionID string) (*RedeemedReward, error) {
	r, err := s.redemptions.FindOne(ctx, &RedeemedReward{TransactionID: transactionID})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRedemptionNotFound
	}
	return r, nil
}

// ApplyEarn appends the credit and bumps the aggregate in one database
// transaction. A referral credit also increments referral_count.
func (s *gormStore) ApplyEarn(ctx context.Context, seed Seed, referralCode string, ptx *PointsTransaction) (*UserRewards, error) {
	var out *UserRewards
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureLedger(ctx, tx, ptx.UserID, seed, referralCode); err != nil {
			return err
		}

		if err := s.transactions.WithTrx(tx).Create(ctx, ptx); err != nil {
			return err
		}

		updates := map[string]any{
			"total_points":    gorm.Expr("total_points + ?", ptx.Points),
			"lifetime_points": gorm.Expr("lifetime_points + ?", ptx.Points),
			"updated_at":      ptx.CreatedAt,
		}
		if ptx.Type == TransactionReferral {
			updates["referral_count"] = gorm.Expr("referral_count + 1")
		}
		if err := s.ledger.WithTrx(tx).Update(ctx, ptx.UserID, updates); err != nil {
			return err
		}

		row, err := s.ledger.WithTrx(tx).FindOne(ctx, &UserRewards{UserID: ptx.UserID})
		if err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyRedeem debits with a floor check, then appends the debit and the
// redemption, all in one database transaction. The debit amount is -ptx.Points.
func (s *gormStore) ApplyRedeem(ctx context.Context, seed Seed, referralCode string, ptx *PointsTransaction, r *RedeemedReward) (*UserRewards, error) {
	cost := -ptx.Points

	var out *UserRewards
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureLedger(ctx, tx, ptx.UserID, seed, referralCode); err != nil {
			return err
		}

		res := tx.WithContext(ctx).Model(&UserRewards{}).
			Where("user_id = ? AND total_points >= ?", ptx.UserID, cost).
			Updates(map[string]any{
				"total_points": gorm.Expr("total_points - ?", cost),
				"updated_at":   ptx.CreatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			current, err := s.ledger.WithTrx(tx).FindOne(ctx, &UserRewards{UserID: ptx.UserID})
			if err != nil {
				return err
			}
			if current == nil || current.TotalPoints < cost {
				var balance int64
				if current != nil {
					balance = current.TotalPoints
				}
				return insufficientPoints(balance, cost)
			}
			return concurrentModification()
		}

		if err := s.transactions.WithTrx(tx).Create(ctx, ptx); err != nil {
			return err
		}
		if err := s.redemptions.WithTrx(tx).Create(ctx, r); err != nil {
			return err
		}

		row, err := s.ledger.WithTrx(tx).FindOne(ctx, &UserRewards{UserID: ptx.UserID})
		if err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkUsed flips used false→true once for an unexpired redemption.
func (s *gormStore) MarkUsed(ctx context.Context, userID, redemptionID string, now time.Time) (*RedeemedReward, error) {
	var out *RedeemedReward
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := s.redemptions.WithTrx(tx).FindOne(ctx, &RedeemedReward{ID: redemptionID, UserID: userID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if r == nil {
			return ErrRedemptionNotFound
		}
		if r.Used {
			return ErrAlreadyUsed
		}
		if !now.Before(r.ExpiresAt) {
			return ErrRedemptionExpired
		}

		res := tx.WithContext(ctx).Model(&RedeemedReward{}).
			Where("id = ? AND used = ?", redemptionID, false).
			Updates(map[string]any{"used": true, "used_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyUsed
		}

		r.Used = true
		r.UsedAt = &now
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
