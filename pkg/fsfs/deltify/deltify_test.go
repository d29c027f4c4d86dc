package deltify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecideNoPredecessorsIsPlain(t *testing.T) {
	d := Decide(DefaultConfig, 0, 0)
	require.False(t, d.Delta)
}

func TestDecideSmallCountUsesLinearTail(t *testing.T) {
	// count=3: target = 3 & 2 = 2, walk = 1, already < MaxLinearDeltification.
	d := Decide(DefaultConfig, 3, 0)
	require.True(t, d.Delta)
	require.Equal(t, 1, d.WalkBack)
}

func TestDecideSkipDeltaBeyondLinearTail(t *testing.T) {
	// count=32: target = 32 & 31 = 0, walk = 32, not < 16 so the skip-delta
	// target (the origin) is used directly.
	d := Decide(DefaultConfig, 32, 0)
	require.True(t, d.Delta)
	require.Equal(t, 32, d.WalkBack)
}

func TestDecideWalkLimitAbandonsDelta(t *testing.T) {
	cfg := Config{MaxLinearDeltification: 16, MaxDeltificationWalk: 10}
	// count=48: target = 48 & 47 = 32, walk = 16, exceeding MaxDeltificationWalk=10.
	d := Decide(cfg, 48, 0)
	require.False(t, d.Delta)
}

func TestDecideChainLengthBoundAbandonsDelta(t *testing.T) {
	cfg := DefaultConfig
	bound := 2*cfg.MaxLinearDeltification + 2
	d := Decide(cfg, 3, bound) // chainLen+1 > bound
	require.False(t, d.Delta)
}

func TestDecideChainLengthWithinBoundKeepsDelta(t *testing.T) {
	cfg := DefaultConfig
	bound := 2*cfg.MaxLinearDeltification + 2
	d := Decide(cfg, 3, bound-2)
	require.True(t, d.Delta)
}
