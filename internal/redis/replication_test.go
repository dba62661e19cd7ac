package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfish/signalgate/internal/config"
)

func TestReplicationRequiresMaster(t *testing.T) {
	// No endpoint answers ROLE, so discovery must fail at construction.
	_, err := NewClient(config.RedisConfig{
		Endpoints:   []string{"127.0.0.1:1", "127.0.0.1:2"},
		Mode:        config.RedisModeReplication,
		DialTimeout: "200ms",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master discovery")
}
