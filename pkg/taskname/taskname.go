package taskname

const (
	// Rewards tasks
	RewardsReferralAward = "rewards:referral_award"
	RewardsReconcile     = "rewards:reconcile"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
