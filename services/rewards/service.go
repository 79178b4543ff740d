package rewards

import (
	"context"
	"errors"
	"strings"
	"time"

	"smallbiznis-rewards/pkg/config"
	"smallbiznis-rewards/pkg/db/pagination"
	"smallbiznis-rewards/pkg/errutil"
	"smallbiznis-rewards/pkg/featureflags"
	"smallbiznis-rewards/pkg/lock"
	"smallbiznis-rewards/pkg/rediskey"
	"smallbiznis-rewards/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	health "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("smallbiznis-rewards/services/rewards")

// sharedReadTimeout bounds a coalesced Load, which no caller can cancel.
const sharedReadTimeout = 10 * time.Second

type Service struct {
	health.UnimplementedHealthServer

	db      *gorm.DB
	store   Store
	catalog *Catalog
	locker  lock.Locker
	codes   sequence.Generator
	node    *snowflake.Node
	flags   featureflags.FeatureFlag
	cfg     config.Rewards
	now     func() time.Time

	loads singleflight.Group
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Config  *config.Config
	Catalog *Catalog
	Locker  lock.Locker
	Node    *snowflake.Node
	Codes   sequence.Generator       `optional:"true"`
	Store   Store                    `optional:"true"`
	Flags   featureflags.FeatureFlag `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	store := p.Store
	if store == nil {
		store = NewStore(p.DB)
	}

	cfg := p.Config.Rewards
	if cfg.TransactionLimit <= 0 || cfg.TransactionLimit > config.MaxTransactionLimit {
		cfg.TransactionLimit = config.MaxTransactionLimit
	}
	if cfg.ValidityDays <= 0 {
		cfg.ValidityDays = 90
	}

	return &Service{
		db:      p.DB,
		store:   store,
		catalog: p.Catalog,
		locker:  p.Locker,
		codes:   p.Codes,
		node:    p.Node,
		flags:   p.Flags,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (s *Service) Catalog() *Catalog { return s.catalog }

func (s *Service) seed() Seed {
	return Seed{TotalPoints: s.cfg.SeedTotalPoints, LifetimePoints: s.cfg.SeedLifetimePoints}
}

func (s *Service) referralCode(userID string) string {
	return ReferralCode(s.cfg.ReferralPrefix, userID)
}

func (s *Service) enabled(ctx context.Context, userID, feature string) bool {
	return s.flags == nil || s.flags.Enabled(ctx, userID, feature)
}

func traceFields(ctx context.Context, fields ...zap.Field) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return append([]zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}, fields...)
}

func (s *Service) acquire(ctx context.Context, userID string) (lock.Unlock, error) {
	unlock, err := s.locker.Acquire(ctx, rediskey.BuildLedgerLockKey(userID))
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, errutil.Conflict("another operation on this ledger is in progress", errors.Join(ErrConcurrentModification, err))
	}
	return nil, persistenceFailure(err)
}

// writeFailure classifies an error from a write. Typed ledger errors pass
// through, timeouts keep their cause, everything else is a persistence failure.
func writeFailure(err error) error {
	if _, ok := errutil.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errutil.New(errutil.StatusTimeout, "operation did not complete, reload the balance before retrying",
			errutil.WithErr(errors.Join(ErrPersistence, err)))
	}
	return persistenceFailure(err)
}

func anonymousSnapshot() *Snapshot {
	return &Snapshot{
		Source:       SourceAnonymous,
		Standing:     Classify(0),
		Transactions: []PointsTransaction{},
		Redemptions:  []RedeemedReward{},
	}
}

func (s *Service) seededSnapshot(userID string) *Snapshot {
	seed := s.seed()
	return &Snapshot{
		UserID:         userID,
		Source:         SourceSeeded,
		TotalPoints:    seed.TotalPoints,
		LifetimePoints: seed.LifetimePoints,
		Standing:       Classify(seed.LifetimePoints),
		ReferralCode:   s.referralCode(userID),
		Transactions:   []PointsTransaction{},
		Redemptions:    []RedeemedReward{},
	}
}

func (s *Service) snapshotFrom(row *UserRewards, txs []*PointsTransaction, reds []*RedeemedReward) *Snapshot {
	snap := &Snapshot{
		UserID:         row.UserID,
		Source:         SourceStored,
		TotalPoints:    row.TotalPoints,
		LifetimePoints: row.LifetimePoints,
		Standing:       Classify(row.LifetimePoints),
		ReferralCode:   row.ReferralCode,
		ReferralCount:  row.ReferralCount,
		Transactions:   make([]PointsTransaction, 0, len(txs)),
		Redemptions:    make([]RedeemedReward, 0, len(reds)),
	}
	if snap.ReferralCode == "" {
		snap.ReferralCode = s.referralCode(row.UserID)
	}
	for _, t := range txs {
		snap.Transactions = append(snap.Transactions, *t)
	}
	for _, r := range reds {
		snap.Redemptions = append(snap.Redemptions, *r)
	}
	return snap
}

// Load returns the user's ledger view. It never writes. A missing ledger
// yields the seeded state; a storage error yields a degraded seeded view
// together with an error wrapping ErrPersistence.
func (s *Service) Load(ctx context.Context, userID string) (*Snapshot, error) {
	if userID == "" {
		loadTotal.WithLabelValues(string(SourceAnonymous)).Inc()
		return anonymousSnapshot(), nil
	}

	// The shared read outlives any single caller; each caller only stops
	// waiting when its own context ends.
	ch := s.loads.DoChan(userID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()
		return s.read(rctx, userID)
	})

	select {
	case res := <-ch:
		snap, _ := res.Val.(*Snapshot)
		return snap.clone(), res.Err
	case <-ctx.Done():
		snap := s.seededSnapshot(userID)
		snap.Source = SourceDegraded
		snap.Degraded = true
		return snap, persistenceFailure(ctx.Err())
	}
}

func (s *Service) read(ctx context.Context, userID string) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "rewards.Load")
	defer span.End()

	var (
		row  *UserRewards
		txs  []*PointsTransaction
		reds []*RedeemedReward
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := s.store.GetLedger(gctx, userID)
		if errors.Is(err, ErrLedgerNotFound) {
			return nil
		}
		row = r
		return err
	})
	g.Go(func() error {
		page := pagination.Pagination{Limit: s.cfg.TransactionLimit}
		list, err := s.store.ListTransactions(gctx, userID, page)
		if len(list) > page.Limit {
			list = list[:page.Limit]
		}
		txs = list
		return err
	})
	g.Go(func() error {
		list, err := s.store.ListRedemptions(gctx, userID, RedemptionQuery{})
		reds = list
		return err
	})

	if err := g.Wait(); err != nil {
		zap.L().With(traceFields(ctx, zap.String("user_id", userID))...).Error("failed to load ledger, serving degraded view", zap.Error(err))
		loadTotal.WithLabelValues(string(SourceDegraded)).Inc()

		snap := s.seededSnapshot(userID)
		snap.Source = SourceDegraded
		snap.Degraded = true
		return snap, persistenceFailure(err)
	}

	if row == nil {
		loadTotal.WithLabelValues(string(SourceSeeded)).Inc()
		snap := s.seededSnapshot(userID)
		for _, t := range txs {
			snap.Transactions = append(snap.Transactions, *t)
		}
		for _, r := range reds {
			snap.Redemptions = append(snap.Redemptions, *r)
		}
		return snap, nil
	}

	loadTotal.WithLabelValues(string(SourceStored)).Inc()
	return s.snapshotFrom(row, txs, reds), nil
}

// afterWrite reads the committed state. When that read fails the write still
// stands, so the view is built from the returned row.
func (s *Service) afterWrite(ctx context.Context, row *UserRewards, ptx *PointsTransaction, red *RedeemedReward) *Snapshot {
	snap, err := s.read(ctx, row.UserID)
	if err == nil {
		return snap
	}

	zap.L().With(traceFields(ctx, zap.String("user_id", row.UserID))...).Warn("post-commit read failed, returning partial view", zap.Error(err))
	var reds []*RedeemedReward
	if red != nil {
		reds = append(reds, red)
	}
	return s.snapshotFrom(row, []*PointsTransaction{ptx}, reds)
}

func keyPtr(key string) *string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return &key
}

func defaultDescription(t TransactionType) string {
	switch t {
	case TransactionBonus:
		return "Bonus points"
	case TransactionReferral:
		return "Referral bonus"
	default:
		return "Points earned"
	}
}

// Earn credits points to total and lifetime balances in one atomic write.
func (s *Service) Earn(ctx context.Context, req EarnRequest) (*EarnResult, error) {
	ctx, span := tracer.Start(ctx, "rewards.Earn")
	defer span.End()

	log := zap.L().With(traceFields(ctx, zap.String("user_id", req.UserID))...)

	if req.UserID == "" {
		earnTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, unauthenticated()
	}
	if req.Points <= 0 {
		earnTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, errutil.BadRequest("points must be greater than zero", ErrInvalidPoints,
			errutil.WithDetails(errutil.Detail{Field: "points", Message: "must be > 0"}))
	}
	typ := req.Type
	if typ == "" {
		typ = TransactionEarn
	}
	if !typ.credits() {
		earnTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, errutil.BadRequest("unsupported transaction type", ErrInvalidType,
			errutil.WithDetails(errutil.Detail{Field: "type", Message: "one of earn, bonus, referral"}))
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = defaultDescription(typ)
	}
	key := keyPtr(req.IdempotencyKey)

	unlock, err := s.acquire(ctx, req.UserID)
	if err != nil {
		earnTotal.WithLabelValues(outcomeConflict).Inc()
		log.Warn("failed to acquire ledger lock", zap.Error(err))
		return nil, err
	}
	defer unlock()

	if key != nil {
		if res, err := s.replayEarn(ctx, req.UserID, *key, typ, req.Points); res != nil || err != nil {
			return res, err
		}
	}

	ptx := &PointsTransaction{
		ID:             s.node.Generate().String(),
		UserID:         req.UserID,
		Points:         req.Points,
		Type:           typ,
		Description:    desc,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: key,
		Metadata:       metadataJSON(map[string]string{"reference_id": req.ReferenceID}, req.Metadata),
		CreatedAt:      s.now().UTC(),
	}

	row, err := s.store.ApplyEarn(ctx, s.seed(), s.referralCode(req.UserID), ptx)
	if err != nil {
		if key != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			if res, rerr := s.replayEarn(ctx, req.UserID, *key, typ, req.Points); res != nil || rerr != nil {
				return res, rerr
			}
		}
		earnTotal.WithLabelValues(outcomeError).Inc()
		log.Error("failed to apply earn", zap.Error(err))
		return nil, writeFailure(err)
	}

	earnTotal.WithLabelValues(outcomeOK).Inc()
	pointsEarned.Add(float64(ptx.Points))
	log.Info("points earned",
		zap.String("transaction_id", ptx.ID),
		zap.Int64("points", ptx.Points),
		zap.String("type", string(ptx.Type)),
		zap.Int64("total_points", row.TotalPoints),
		zap.Int64("lifetime_points", row.LifetimePoints),
	)

	return &EarnResult{
		Snapshot:    s.afterWrite(ctx, row, ptx, nil),
		Transaction: ptx,
	}, nil
}

func (s *Service) replayEarn(ctx context.Context, userID, key string, typ TransactionType, points int64) (*EarnResult, error) {
	prev, err := s.store.FindTransactionByKey(ctx, userID, key)
	if err != nil {
		return nil, writeFailure(err)
	}
	if prev == nil {
		return nil, nil
	}
	if prev.Type != typ || prev.Points != points {
		earnTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, errutil.Conflict("idempotency key already used for a different operation", ErrIdempotencyConflict)
	}

	earnTotal.WithLabelValues(outcomeReplayed).Inc()
	snap, err := s.read(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &EarnResult{Snapshot: snap, Transaction: prev, Replayed: true}, nil
}

// Redeem spends points on a catalog reward. The balance check is repeated
// inside the write as a conditional decrement, so two concurrent redeems can
// never both spend the same points.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	ctx, span := tracer.Start(ctx, "rewards.Redeem")
	defer span.End()

	log := zap.L().With(traceFields(ctx, zap.String("user_id", req.UserID), zap.String("reward_id", req.RewardID))...)

	if req.UserID == "" {
		redeemTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, unauthenticated()
	}

	if !s.enabled(ctx, req.UserID, featureflags.RewardsRedeem) {
		redeemTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, featureDisabled("redemptions")
	}

	reward, err := s.catalog.Lookup(req.RewardID)
	if err != nil {
		redeemTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, err
	}
	key := keyPtr(req.IdempotencyKey)

	unlock, err := s.acquire(ctx, req.UserID)
	if err != nil {
		redeemTotal.WithLabelValues(outcomeConflict).Inc()
		log.Warn("failed to acquire ledger lock", zap.Error(err))
		return nil, err
	}
	defer unlock()

	if key != nil {
		if res, err := s.replayRedeem(ctx, req.UserID, *key, reward.ID); res != nil || err != nil {
			return res, err
		}
	}

	total, lifetime := s.cfg.SeedTotalPoints, s.cfg.SeedLifetimePoints
	row, err := s.store.GetLedger(ctx, req.UserID)
	switch {
	case err == nil:
		total, lifetime = row.TotalPoints, row.LifetimePoints
	case errors.Is(err, ErrLedgerNotFound):
	default:
		redeemTotal.WithLabelValues(outcomeError).Inc()
		log.Error("failed to read ledger", zap.Error(err))
		return nil, writeFailure(err)
	}

	if !s.catalog.Eligible(reward, Classify(lifetime), lifetime, total) {
		redeemTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, rewardUnavailable(reward.ID)
	}
	if total < reward.PointsCost {
		redeemTotal.WithLabelValues(outcomeInsufficient).Inc()
		return nil, insufficientPoints(total, reward.PointsCost)
	}

	now := s.now().UTC()
	txID := s.node.Generate()
	ptx := &PointsTransaction{
		ID:             txID.String(),
		UserID:         req.UserID,
		Points:         -reward.PointsCost,
		Type:           TransactionRedeem,
		Description:    "Redeemed: " + reward.Name,
		ReferenceID:    reward.ID,
		IdempotencyKey: key,
		CreatedAt:      now,
	}

	validity := reward.ValidityDays
	if validity <= 0 {
		validity = s.cfg.ValidityDays
	}
	red := &RedeemedReward{
		ID:            s.node.Generate().String(),
		UserID:        req.UserID,
		RewardID:      reward.ID,
		RewardName:    reward.Name,
		PointsCost:    reward.PointsCost,
		Code:          s.redemptionCode(ctx, txID),
		TransactionID: ptx.ID,
		RedeemedAt:    now,
		ExpiresAt:     now.Add(time.Duration(validity) * 24 * time.Hour),
	}
	ptx.Metadata = metadataJSON(map[string]string{
		"reward_id":       reward.ID,
		"redemption_id":   red.ID,
		"redemption_code": red.Code,
	}, nil)

	row, err = s.store.ApplyRedeem(ctx, s.seed(), s.referralCode(req.UserID), ptx, red)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientPoints):
			redeemTotal.WithLabelValues(outcomeInsufficient).Inc()
			return nil, err
		case errors.Is(err, ErrConcurrentModification):
			redeemTotal.WithLabelValues(outcomeConflict).Inc()
			return nil, err
		case key != nil && errors.Is(err, gorm.ErrDuplicatedKey):
			if res, rerr := s.replayRedeem(ctx, req.UserID, *key, reward.ID); res != nil || rerr != nil {
				return res, rerr
			}
		}
		redeemTotal.WithLabelValues(outcomeError).Inc()
		log.Error("failed to apply redeem", zap.Error(err))
		return nil, writeFailure(err)
	}

	redeemTotal.WithLabelValues(outcomeOK).Inc()
	pointsRedeemed.Add(float64(reward.PointsCost))
	log.Info("reward redeemed",
		zap.String("redemption_id", red.ID),
		zap.String("code", red.Code),
		zap.Int64("points_cost", reward.PointsCost),
		zap.Int64("total_points", row.TotalPoints),
		zap.Time("expires_at", red.ExpiresAt),
	)

	return &RedeemResult{
		Snapshot:    s.afterWrite(ctx, row, ptx, red),
		Redemption:  red,
		Transaction: ptx,
	}, nil
}

func (s *Service) redemptionCode(ctx context.Context, id snowflake.ID) string {
	if s.codes != nil {
		code, err := s.codes.NextRedemptionCode(ctx)
		if err == nil {
			return code
		}
		zap.L().With(traceFields(ctx)...).Warn("redemption code sequence unavailable, using id based code", zap.Error(err))
	}
	return "RDM-" + strings.ToUpper(id.Base36())
}

func (s *Service) replayRedeem(ctx context.Context, userID, key, rewardID string) (*RedeemResult, error) {
	prev, err := s.store.FindTransactionByKey(ctx, userID, key)
	if err != nil {
		return nil, writeFailure(err)
	}
	if prev == nil {
		return nil, nil
	}
	if prev.Type != TransactionRedeem || prev.ReferenceID != rewardID {
		redeemTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, errutil.Conflict("idempotency key already used for a different operation", ErrIdempotencyConflict)
	}

	red, err := s.store.FindRedemptionByTransaction(ctx, prev.ID)
	if err != nil {
		return nil, writeFailure(err)
	}

	redeemTotal.WithLabelValues(outcomeReplayed).Inc()
	snap, err := s.read(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &RedeemResult{Snapshot: snap, Redemption: red, Transaction: prev, Replayed: true}, nil
}

// MarkUsed records that a redeemed reward was consumed. It succeeds once per
// redemption and only before expiry.
func (s *Service) MarkUsed(ctx context.Context, userID, redemptionID string) (*RedeemedReward, error) {
	ctx, span := tracer.Start(ctx, "rewards.MarkUsed")
	defer span.End()

	if userID == "" {
		return nil, unauthenticated()
	}
	if redemptionID == "" {
		return nil, errutil.NotFound("redemption not found", ErrRedemptionNotFound)
	}

	unlock, err := s.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	red, err := s.store.MarkUsed(ctx, userID, redemptionID, s.now().UTC())
	switch {
	case err == nil:
		zap.L().With(traceFields(ctx, zap.String("user_id", userID))...).Info("redemption marked used", zap.String("redemption_id", redemptionID))
		return red, nil
	case errors.Is(err, ErrRedemptionNotFound):
		return nil, errutil.NotFound("redemption not found", err)
	case errors.Is(err, ErrAlreadyUsed):
		return nil, errutil.Conflict("reward already used", err)
	case errors.Is(err, ErrRedemptionExpired):
		return nil, errutil.UnprocessableEntity("redemption has expired", err)
	default:
		return nil, writeFailure(err)
	}
}

// Enroll creates the seeded ledger row if missing so the user's referral code
// becomes resolvable.
func (s *Service) Enroll(ctx context.Context, userID string) (*Snapshot, error) {
	if userID == "" {
		return nil, unauthenticated()
	}

	unlock, err := s.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	row, err := s.store.EnsureLedger(ctx, userID, s.seed(), s.referralCode(userID))
	if err != nil {
		return nil, writeFailure(err)
	}
	snap, err := s.read(ctx, userID)
	if err != nil {
		return s.snapshotFrom(row, nil, nil), nil
	}
	return snap, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, page pagination.Pagination) ([]*PointsTransaction, *pagination.PageInfo, error) {
	if userID == "" {
		return nil, nil, unauthenticated()
	}
	if page.Limit <= 0 || page.Limit > s.cfg.TransactionLimit {
		page.Limit = s.cfg.TransactionLimit
	}
	if page.Cursor != "" {
		cur, err := pagination.DecodeCursor(page.Cursor)
		if err == nil {
			_, err = cur.Time()
		}
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
	}

	list, err := s.store.ListTransactions(ctx, userID, page)
	if err != nil {
		return nil, nil, persistenceFailure(err)
	}

	list, info := pagination.BuildCursorPageInfo(list, page.Limit, func(t *PointsTransaction) pagination.Cursor {
		return pagination.NewCursor(t.CreatedAt, t.ID)
	})
	return list, info, nil
}

// ListRedemptions returns the matching redemptions together with the number
// of matches ignoring q.Limit.
func (s *Service) ListRedemptions(ctx context.Context, userID string, q RedemptionQuery) ([]*RedeemedReward, int64, error) {
	if userID == "" {
		return nil, 0, unauthenticated()
	}
	if q.SortBy != "" && !RedemptionSorts[q.SortBy] {
		return nil, 0, errutil.BadRequest("unsupported sort column", nil,
			errutil.WithDetails(errutil.Detail{Field: "sort_by", Message: q.SortBy}))
	}
	if q.Now.IsZero() {
		q.Now = s.now()
	}

	list, err := s.store.ListRedemptions(ctx, userID, q)
	if err != nil {
		return nil, 0, persistenceFailure(err)
	}
	total, err := s.store.CountRedemptions(ctx, userID, q)
	if err != nil {
		return nil, 0, persistenceFailure(err)
	}
	return list, total, nil
}

// Reconcile replays the transaction log from the seed and compares it with
// the stored aggregate. With repair set, a mismatch is overwritten with the
// replayed totals.
func (s *Service) Reconcile(ctx context.Context, userID string, repair bool) (*Reconciliation, error) {
	ctx, span := tracer.Start(ctx, "rewards.Reconcile")
	defer span.End()

	if userID == "" {
		return nil, unauthenticated()
	}

	unlock, err := s.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	row, err := s.store.GetLedger(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrLedgerNotFound) {
			return nil, errutil.NotFound("ledger not found", err)
		}
		return nil, persistenceFailure(err)
	}

	totals, err := s.store.SumTransactions(ctx, userID)
	if err != nil {
		return nil, persistenceFailure(err)
	}

	rec := &Reconciliation{
		UserID:                 userID,
		StoredTotalPoints:      row.TotalPoints,
		StoredLifetimePoints:   row.LifetimePoints,
		ReplayedTotalPoints:    row.SeedTotalPoints + totals.Sum,
		ReplayedLifetimePoints: row.SeedLifetimePoints + totals.Credits,
		Transactions:           totals.Count,
	}
	rec.Consistent = rec.StoredTotalPoints == rec.ReplayedTotalPoints &&
		rec.StoredLifetimePoints == rec.ReplayedLifetimePoints

	log := zap.L().With(traceFields(ctx, zap.String("user_id", userID))...)
	if rec.Consistent {
		return rec, nil
	}

	log.Warn("ledger aggregate drifted from transaction log",
		zap.Int64("stored_total", rec.StoredTotalPoints),
		zap.Int64("replayed_total", rec.ReplayedTotalPoints),
		zap.Int64("stored_lifetime", rec.StoredLifetimePoints),
		zap.Int64("replayed_lifetime", rec.ReplayedLifetimePoints),
	)

	if repair {
		if err := s.store.PutLedger(ctx, userID, rec.ReplayedTotalPoints, rec.ReplayedLifetimePoints); err != nil {
			return nil, writeFailure(err)
		}
		rec.Repaired = true
		log.Info("ledger aggregate repaired from transaction log")
	}

	return rec, nil
}

// ResolveReferral maps a referral code to its owner.
func (s *Service) ResolveReferral(ctx context.Context, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", errutil.BadRequest("referral code required", ErrReferralNotFound)
	}

	row, err := s.store.FindByReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrReferralNotFound) {
			return "", errutil.NotFound("referral code not found", err)
		}
		return "", persistenceFailure(err)
	}
	return row.UserID, nil
}

// AwardReferral credits the configured referral bonus to the referrer once
// per referee.
func (s *Service) AwardReferral(ctx context.Context, referrerID, refereeID string) (*EarnResult, error) {
	if referrerID == "" || refereeID == "" {
		return nil, errutil.BadRequest("referrer and referee are required", nil)
	}
	if referrerID == refereeID {
		return nil, errutil.BadRequest("cannot use own referral code", ErrSelfReferral)
	}
	if !s.enabled(ctx, referrerID, featureflags.RewardsReferral) {
		return nil, featureDisabled("referral awards")
	}

	return s.Earn(ctx, EarnRequest{
		UserID:         referrerID,
		Points:         s.cfg.ReferralBonus,
		Type:           TransactionReferral,
		Description:    defaultDescription(TransactionReferral),
		ReferenceID:    refereeID,
		IdempotencyKey: "referral:" + refereeID,
	})
}
