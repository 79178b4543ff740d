package servicediscover

import (
	"testing"

	"smallbiznis-rewards/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestRegistration(t *testing.T) {
	cfg := &config.Config{AppName: "rewards", AppEnv: "production", AppVersion: "1.2.0"}
	cfg.Server.Addr = "8080"
	cfg.Consul.ServiceHost = "10.0.0.7"

	svc, err := Registration(cfg)
	require.NoError(t, err)
	require.Equal(t, "rewards-10.0.0.7-8080", svc.ID)
	require.Equal(t, 8080, svc.Port)
	require.Equal(t, "http://10.0.0.7:8080/readyz", svc.Check.HTTP)

	cfg.Server.Addr = ":8080"
	_, err = Registration(cfg)
	require.Error(t, err)
}
