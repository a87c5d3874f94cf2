package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	t.Setenv("LIVEROOM_TEST_NAME", "alpha")
	assert.Equal(t, "alpha", String("LIVEROOM_TEST_NAME", "beta"))

	t.Setenv("LIVEROOM_TEST_NAME", "")
	assert.Equal(t, "beta", String("LIVEROOM_TEST_NAME", "beta"))
	assert.Equal(t, "gamma", String("LIVEROOM_TEST_UNSET", "gamma"))
}

func TestBool(t *testing.T) {
	t.Setenv("LIVEROOM_TEST_FLAG", "true")
	assert.True(t, Bool("LIVEROOM_TEST_FLAG", false))

	t.Setenv("LIVEROOM_TEST_FLAG", "maybe")
	assert.True(t, Bool("LIVEROOM_TEST_FLAG", true))
	assert.False(t, Bool("LIVEROOM_TEST_FLAG", false))

	assert.True(t, Bool("LIVEROOM_TEST_UNSET_FLAG", true))
}

func TestSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	t.Setenv("LIVEROOM_TEST_SECRET", "from-env")
	assert.Equal(t, "from-env", Secret("LIVEROOM_TEST_SECRET", "default"))

	t.Setenv("LIVEROOM_TEST_SECRET_FILE", path)
	assert.Equal(t, "s3cret", Secret("LIVEROOM_TEST_SECRET", "default"))

	t.Setenv("LIVEROOM_TEST_SECRET_FILE", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, "from-env", Secret("LIVEROOM_TEST_SECRET", "default"))

	t.Setenv("LIVEROOM_TEST_SECRET", "")
	assert.Equal(t, "default", Secret("LIVEROOM_TEST_SECRET", "default"))
}
