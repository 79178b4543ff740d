package rediskey

import "fmt"

// Rewards keys (global convention across services)
const (
	RewardsPrefix     = "rewards"
	RewardsLockPrefix = "rewards:lock"
	SequencePrefix    = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLedgerLockKey returns "rewards:lock:{userID}"
func BuildLedgerLockKey(userID string) string {
	return NamespaceKey(RewardsLockPrefix, userID)
}

// BuildDailySequenceKey returns "seq:{prefix}:{day}"
func BuildDailySequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s", prefix, day))
}
