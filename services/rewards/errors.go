package rewards

import (
	"errors"

	"smallbiznis-rewards/pkg/errutil"
)

var (
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrInsufficientPoints     = errors.New("insufficient points")
	ErrRewardUnavailable      = errors.New("reward unavailable")
	ErrPersistence            = errors.New("persistence failure")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidPoints          = errors.New("points must be greater than zero")
	ErrInvalidType            = errors.New("unsupported transaction type")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with different parameters")
	ErrSessionClosed          = errors.New("session closed")
	ErrAlreadyUsed            = errors.New("reward already used")
	ErrRedemptionExpired      = errors.New("redemption expired")
	ErrRedemptionNotFound     = errors.New("redemption not found")
	ErrLedgerNotFound         = errors.New("ledger not found")
	ErrReferralNotFound       = errors.New("referral code not found")
	ErrSelfReferral           = errors.New("cannot use own referral code")
	ErrFeatureDisabled        = errors.New("feature disabled")
)

func unauthenticated() error {
	return errutil.Unauthorized("authentication required", ErrUnauthenticated)
}

func insufficientPoints(balance, cost int64) error {
	return errutil.UnprocessableEntity("not enough points to redeem this reward", ErrInsufficientPoints,
		errutil.WithDetails(
			errutil.Detail{Field: "total_points", Message: itoa(balance)},
			errutil.Detail{Field: "points_cost", Message: itoa(cost)},
		))
}

func rewardUnavailable(rewardID string) error {
	return errutil.UnprocessableEntity("reward is not available", ErrRewardUnavailable,
		errutil.WithDetails(errutil.Detail{Field: "reward_id", Message: rewardID}))
}

func persistenceFailure(cause error) error {
	return errutil.ServiceUnavailable("rewards storage unavailable", errors.Join(ErrPersistence, cause))
}

func concurrentModification() error {
	return errutil.Conflict("balance changed by a concurrent operation, reload and retry", ErrConcurrentModification)
}

func featureDisabled(what string) error {
	return errutil.ServiceUnavailable(what+" are paused", ErrFeatureDisabled)
}
