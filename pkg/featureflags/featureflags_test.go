package featureflags

import (
	"context"
	"errors"
	"testing"

	"smallbiznis-rewards/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/stretchr/testify/require"
)

type failingClient struct{}

func (failingClient) GetIdentityFlags(string, []*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, errors.New("flagsmith unreachable")
}

func TestEnabledWithoutClient(t *testing.T) {
	ff := ProvideFeatureFlag(FeatureParams{Config: &config.Config{}})
	require.True(t, ff.Enabled(context.Background(), "u1", RewardsRedeem))
}

func TestEnabledFailsOpen(t *testing.T) {
	ff := &featureflag{client: failingClient{}}
	require.True(t, ff.Enabled(context.Background(), "u1", RewardsReferral))
}
