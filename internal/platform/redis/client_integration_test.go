//go:build integration

package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"shuttle/internal/platform/config"
	"shuttle/pkg/testutil/containers"
)

func TestNew_AgainstContainer(t *testing.T) {
	rc := containers.StartRedis(t)

	client, err := New(context.Background(), config.RedisConfig{URL: rc.URL, PoolSize: 2})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Health(context.Background()))
}
