package server

import (
	"testing"
	"time"

	"smallbiznis-rewards/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNewHttpServer(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Addr = "8081"
	cfg.Server.ReadTimeout = 5 * time.Second

	srv := NewHttpServer(Params{Config: cfg, Handler: gin.New()})
	require.Equal(t, ":8081", srv.server.Addr)
	require.Equal(t, 5*time.Second, srv.server.ReadTimeout)
	require.Nil(t, srv.server.TLSConfig)
}

func TestWithOption(t *testing.T) {
	cfg := &config.Config{}
	p := OptionParams{
		Config:         cfg,
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  noop.NewMeterProvider(),
	}

	opts, err := WithOption(p)
	require.NoError(t, err)
	require.Len(t, opts, 3)
	require.NotNil(t, NewGRPCServer(opts))

	cfg.TLS.Enable = true
	cfg.TLS.CertPath = "/does/not/exist.crt"
	cfg.TLS.KeyPath = "/does/not/exist.key"
	_, err = WithOption(p)
	require.Error(t, err)
}
