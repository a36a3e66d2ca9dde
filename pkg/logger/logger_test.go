package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		require.NoError(t, Init(Options{Level: level}))
		require.NotNil(t, L())
	}
}

func TestInitFallsBackOnUnknownLevel(t *testing.T) {
	require.NoError(t, Init(Options{Level: "chatty"}))
	require.NotNil(t, L())
}

func TestWithModuleReturnsChild(t *testing.T) {
	require.NoError(t, Init(Options{Level: "info"}))
	child := WithModule("test")
	require.NotNil(t, child)
}
