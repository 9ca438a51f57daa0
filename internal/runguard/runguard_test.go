package runguard

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bot.lock")

	first, ok, err := Acquire(path)
	require.NoError(t, err)
	require.True(t, ok)

	second, ok, err := Acquire(path)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, second)

	require.NoError(t, first.Release())

	third, ok, err := Acquire(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, third.Release())
}

func TestAcquireWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")

	g, ok, err := Acquire(path)
	require.NoError(t, err)
	require.True(t, ok)
	defer g.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))
}

func TestReleaseIsIdempotent(t *testing.T) {
	g, ok, err := Acquire(filepath.Join(t.TempDir(), "bot.lock"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.Release())
	require.NoError(t, g.Release())

	var nilGuard *Guard
	assert.NoError(t, nilGuard.Release())
}
