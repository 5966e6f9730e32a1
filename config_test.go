package kadnode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 20, cfg.K)
	assert.Equal(t, 3, cfg.Alpha)
	assert.Equal(t, 20*time.Second, cfg.StoreTTL)
	assert.Equal(t, 5*time.Second, cfg.RPCTimeout)
	assert.Equal(t, time.Hour, cfg.RefreshInterval)
	assert.Equal(t, 512, cfg.MaxRequestSize)
}

func TestDefaultConfigReturnsFreshInstance(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()

	a.K = 1
	assert.Equal(t, 20, b.K, "DefaultConfig must not share state across calls")
}
