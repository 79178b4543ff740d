package task

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestEnqueuer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	e := NewEnqueuer(client)

	info, err := e.Enqueue(context.Background(), asynq.NewTask("rewards:test", []byte(`{}`)), asynq.TaskID("t-1"))
	require.NoError(t, err)
	require.Equal(t, "t-1", info.ID)
	require.Equal(t, "default", info.Queue)

	_, err = e.Enqueue(context.Background(), asynq.NewTask("rewards:test", []byte(`{}`)), asynq.TaskID("t-1"))
	require.ErrorIs(t, err, asynq.ErrTaskIDConflict)
}

func TestServerConfig(t *testing.T) {
	cfg := serverConfig()
	require.Equal(t, 10, cfg.Concurrency)
	require.Len(t, cfg.Queues, 3)
}
