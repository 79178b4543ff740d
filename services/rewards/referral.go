package rewards

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
)

const (
	DefaultReferralPrefix = "AUTO"
	referralDigestLength  = 8
)

// ReferralCode derives a stable code from the user id: the prefix followed by
// the first eight characters of the base32 SHA-256 digest of the id.
func ReferralCode(prefix, userID string) string {
	if prefix == "" {
		prefix = DefaultReferralPrefix
	}
	sum := sha256.Sum256([]byte(userID))
	digest := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	return strings.ToUpper(prefix) + digest[:referralDigestLength]
}
