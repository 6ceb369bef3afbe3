package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitReplacesGlobals(t *testing.T) {
	require.NoError(t, Init(true))
	assert.Same(t, Log(), zap.L())
	assert.NotNil(t, S())

	require.NoError(t, Init(false))
	assert.Same(t, Log(), zap.L())
	Sync()
}

func TestOr(t *testing.T) {
	l := zap.NewNop()
	assert.Same(t, l, Or(l))
	assert.NotNil(t, Or(nil))
	assert.NotNil(t, Named("trainer"))
}
