package rewards

import (
	"context"
	"fmt"
	"testing"
	"time"

	"smallbiznis-rewards/pkg/db/pagination"
	"smallbiznis-rewards/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) (Store, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	return NewStore(db), db
}

func earnTx(id, userID string, points int64, at time.Time) *PointsTransaction {
	return &PointsTransaction{
		ID:          id,
		UserID:      userID,
		Points:      points,
		Type:        TransactionEarn,
		Description: "Points earned",
		Metadata:    metadataJSON(nil, nil),
		CreatedAt:   at,
	}
}

func TestStoreEnsureLedgerIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seed := Seed{TotalPoints: 850, LifetimePoints: 1250}

	_, err := store.GetLedger(ctx, "u1")
	require.ErrorIs(t, err, ErrLedgerNotFound)

	row, err := store.EnsureLedger(ctx, "u1", seed, "AUTOCODE0001")
	require.NoError(t, err)
	require.Equal(t, int64(850), row.TotalPoints)
	require.Equal(t, int64(1250), row.SeedLifetimePoints)

	row, err = store.EnsureLedger(ctx, "u1", Seed{TotalPoints: 1, LifetimePoints: 1}, "AUTOCODE0001")
	require.NoError(t, err)
	require.Equal(t, int64(850), row.TotalPoints)

	found, err := store.FindByReferralCode(ctx, "AUTOCODE0001")
	require.NoError(t, err)
	require.Equal(t, "u1", found.UserID)

	_, err = store.FindByReferralCode(ctx, "MISSING")
	require.ErrorIs(t, err, ErrReferralNotFound)
}

func TestStoreApplyEarn(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	row, err := store.ApplyEarn(ctx, Seed{TotalPoints: 100, LifetimePoints: 100}, "AUTOU1", earnTx("t1", "u1", 50, now))
	require.NoError(t, err)
	require.Equal(t, int64(150), row.TotalPoints)
	require.Equal(t, int64(150), row.LifetimePoints)

	ref := earnTx("t2", "u1", 250, now.Add(time.Second))
	ref.Type = TransactionReferral
	row, err = store.ApplyEarn(ctx, Seed{}, "AUTOU1", ref)
	require.NoError(t, err)
	require.Equal(t, int64(400), row.TotalPoints)
	require.Equal(t, int64(1), row.ReferralCount)

	totals, err := store.SumTransactions(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), totals.Count)
	require.Equal(t, int64(300), totals.Sum)
	require.Equal(t, int64(300), totals.Credits)
}

func TestStoreApplyEarnDuplicateKeyRollsBack(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	key := "order-1"

	first := earnTx("t1", "u1", 50, now)
	first.IdempotencyKey = &key
	_, err := store.ApplyEarn(ctx, Seed{}, "AUTOU1", first)
	require.NoError(t, err)

	second := earnTx("t2", "u1", 50, now)
	second.IdempotencyKey = &key
	_, err = store.ApplyEarn(ctx, Seed{}, "AUTOU1", second)
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	row, err := store.GetLedger(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(50), row.TotalPoints)

	prev, err := store.FindTransactionByKey(ctx, "u1", key)
	require.NoError(t, err)
	require.Equal(t, "t1", prev.ID)

	none, err := store.FindTransactionByKey(ctx, "u1", "other")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestStoreApplyRedeem(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	seed := Seed{TotalPoints: 300, LifetimePoints: 300}

	redeem := func(id string) (*UserRewards, error) {
		ptx := &PointsTransaction{
			ID: "tx-" + id, UserID: "u1", Points: -200, Type: TransactionRedeem,
			Description: "Redeemed: Free Oil Change", ReferenceID: "r1",
			Metadata: metadataJSON(nil, nil), CreatedAt: now,
		}
		red := &RedeemedReward{
			ID: id, UserID: "u1", RewardID: "r1", RewardName: "Free Oil Change", PointsCost: 200,
			Code: "RDM-" + id, TransactionID: ptx.ID, RedeemedAt: now, ExpiresAt: now.Add(90 * 24 * time.Hour),
		}
		return store.ApplyRedeem(ctx, seed, "AUTOU1", ptx, red)
	}

	row, err := redeem("a")
	require.NoError(t, err)
	require.Equal(t, int64(100), row.TotalPoints)
	require.Equal(t, int64(300), row.LifetimePoints)

	_, err = redeem("b")
	require.ErrorIs(t, err, ErrInsufficientPoints)

	txs, err := store.ListTransactions(ctx, "u1", pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, txs, 1)

	reds, err := store.ListRedemptions(ctx, "u1", RedemptionQuery{})
	require.NoError(t, err)
	require.Len(t, reds, 1)

	byTx, err := store.FindRedemptionByTransaction(ctx, "tx-a")
	require.NoError(t, err)
	require.Equal(t, "a", byTx.ID)
}

func redeemTxs(id string, cost int64, code string, at time.Time) (*PointsTransaction, *RedeemedReward) {
	ptx := &PointsTransaction{
		ID: "tx-" + id, UserID: "u1", Points: -cost, Type: TransactionRedeem,
		Description: "Redeemed: Free Oil Change", ReferenceID: "r1",
		Metadata: metadataJSON(nil, nil), CreatedAt: at,
	}
	red := &RedeemedReward{
		ID: id, UserID: "u1", RewardID: "r1", RewardName: "Free Oil Change", PointsCost: cost,
		Code: code, TransactionID: ptx.ID, RedeemedAt: at, ExpiresAt: at.Add(90 * 24 * time.Hour),
	}
	return ptx, red
}

func TestStoreApplyRedeemDuplicateCodeRollsBack(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	seed := Seed{TotalPoints: 1000, LifetimePoints: 1000}

	ptx, red := redeemTxs("a", 200, "RDM-SAME", now)
	_, err := store.ApplyRedeem(ctx, seed, "AUTOU1", ptx, red)
	require.NoError(t, err)

	ptx, red = redeemTxs("b", 200, "RDM-SAME", now.Add(time.Second))
	_, err = store.ApplyRedeem(ctx, seed, "AUTOU1", ptx, red)
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	row, err := store.GetLedger(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(800), row.TotalPoints)

	txs, err := store.ListTransactions(ctx, "u1", pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "tx-a", txs[0].ID)

	n, err := store.CountRedemptions(ctx, "u1", RedemptionQuery{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestStoreApplyRedeemLostRace(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	seed := Seed{TotalPoints: 1000, LifetimePoints: 1000}

	// The first decrement reports no matched rows while the balance still
	// covers the cost, as if another writer had touched the row in between.
	tripped := false
	require.NoError(t, db.Callback().Update().After("gorm:update").Register("test:lost_race", func(tx *gorm.DB) {
		if !tripped && tx.Statement.Table == "user_rewards" {
			tripped = true
			tx.RowsAffected = 0
		}
	}))

	ptx, red := redeemTxs("a", 200, "RDM-A", now)
	_, err := store.ApplyRedeem(ctx, seed, "AUTOU1", ptx, red)
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.True(t, tripped)

	_, err = store.GetLedger(ctx, "u1")
	require.ErrorIs(t, err, ErrLedgerNotFound)
	txs, err := store.ListTransactions(ctx, "u1", pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, txs)

	row, err := store.ApplyRedeem(ctx, seed, "AUTOU1", ptx, red)
	require.NoError(t, err)
	require.Equal(t, int64(800), row.TotalPoints)
}

func TestStoreListRedemptions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	usedAt := now
	for _, r := range []*RedeemedReward{
		{ID: "red-1", PointsCost: 200, RedeemedAt: now, ExpiresAt: now.Add(24 * time.Hour)},
		{ID: "red-2", PointsCost: 500, RedeemedAt: now.Add(time.Hour), ExpiresAt: now.Add(48 * time.Hour), Used: true, UsedAt: &usedAt},
		{ID: "red-3", PointsCost: 100, RedeemedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour)},
	} {
		r.UserID, r.RewardID = "u1", "r1"
		r.Code, r.TransactionID = "RDM-"+r.ID, "tx-"+r.ID
		require.NoError(t, store.AppendRedemption(ctx, r))
	}

	ids := func(list []*RedeemedReward) []string {
		out := make([]string, 0, len(list))
		for _, r := range list {
			out = append(out, r.ID)
		}
		return out
	}

	list, err := store.ListRedemptions(ctx, "u1", RedemptionQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{"red-2", "red-1", "red-3"}, ids(list))

	list, err = store.ListRedemptions(ctx, "u1", RedemptionQuery{SortBy: "points_cost", OrderBy: "asc"})
	require.NoError(t, err)
	require.Equal(t, []string{"red-3", "red-1", "red-2"}, ids(list))

	// unknown columns fall back to redeemed_at
	list, err = store.ListRedemptions(ctx, "u1", RedemptionQuery{SortBy: "code; drop table"})
	require.NoError(t, err)
	require.Equal(t, []string{"red-2", "red-1", "red-3"}, ids(list))

	list, err = store.ListRedemptions(ctx, "u1", RedemptionQuery{Status: RedemptionActive, Now: now})
	require.NoError(t, err)
	require.Equal(t, []string{"red-1"}, ids(list))

	list, err = store.ListRedemptions(ctx, "u1", RedemptionQuery{Status: RedemptionUsed})
	require.NoError(t, err)
	require.Equal(t, []string{"red-2"}, ids(list))

	list, err = store.ListRedemptions(ctx, "u1", RedemptionQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)

	n, err := store.CountRedemptions(ctx, "u1", RedemptionQuery{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	n, err = store.CountRedemptions(ctx, "u1", RedemptionQuery{Status: RedemptionActive, Now: now})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = store.CountRedemptions(ctx, "u2", RedemptionQuery{})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStoreMarkUsed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendRedemption(ctx, &RedeemedReward{
		ID: "red-1", UserID: "u1", RewardID: "r1", PointsCost: 200, Code: "RDM-1",
		TransactionID: "tx-1", RedeemedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}))

	_, err := store.MarkUsed(ctx, "u2", "red-1", now)
	require.ErrorIs(t, err, ErrRedemptionNotFound)

	_, err = store.MarkUsed(ctx, "u1", "red-1", now.Add(24*time.Hour))
	require.ErrorIs(t, err, ErrRedemptionExpired)

	red, err := store.MarkUsed(ctx, "u1", "red-1", now)
	require.NoError(t, err)
	require.True(t, red.Used)
	require.NotNil(t, red.UsedAt)

	_, err = store.MarkUsed(ctx, "u1", "red-1", now)
	require.ErrorIs(t, err, ErrAlreadyUsed)

	stored, err := store.FindRedemption(ctx, "u1", "red-1")
	require.NoError(t, err)
	require.True(t, stored.Used)
}

func TestStoreListTransactionsPaging(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendTransaction(ctx, earnTx(fmt.Sprintf("t%d", i), "u1", 10, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, store.AppendTransaction(ctx, earnTx("other", "u2", 10, base)))

	page := pagination.Pagination{Limit: 2}
	rows, err := store.ListTransactions(ctx, "u1", page)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "t4", rows[0].ID)

	rows, info := pagination.BuildCursorPageInfo(rows, page.Limit, func(t *PointsTransaction) pagination.Cursor {
		return pagination.NewCursor(t.CreatedAt, t.ID)
	})
	require.Len(t, rows, 2)
	require.True(t, info.HasMore)

	page.Cursor = info.NextCursor
	rows, err = store.ListTransactions(ctx, "u1", page)
	require.NoError(t, err)
	require.Equal(t, "t2", rows[0].ID)
	require.Equal(t, "t1", rows[1].ID)
}

func TestStoreListUserIDs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		_, err := store.EnsureLedger(ctx, id, Seed{}, "AUTO"+id)
		require.NoError(t, err)
	}

	ids, err := store.ListUserIDs(ctx, "", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	ids, err = store.ListUserIDs(ctx, "b", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, ids)
}

func TestStorePutLedger(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.ErrorIs(t, store.PutLedger(ctx, "u1", 1, 1), ErrLedgerNotFound)

	_, err := store.EnsureLedger(ctx, "u1", Seed{TotalPoints: 10, LifetimePoints: 10}, "AUTOU1")
	require.NoError(t, err)
	require.NoError(t, store.PutLedger(ctx, "u1", 5, 20))

	row, err := store.GetLedger(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(5), row.TotalPoints)
	require.Equal(t, int64(20), row.LifetimePoints)
}
