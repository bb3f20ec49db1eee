package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("STATEX_TEST_STR", "value")
	t.Setenv("STATEX_TEST_INT", "42")
	t.Setenv("STATEX_TEST_BAD_INT", "-3")
	t.Setenv("STATEX_TEST_INT64", "0")
	t.Setenv("STATEX_TEST_BOOL", "yes")
	t.Setenv("STATEX_TEST_DURATION", "250ms")

	require.Equal(t, "value", Env("STATEX_TEST_STR", "def"))
	require.Equal(t, "def", Env("STATEX_TEST_MISSING", "def"))
	require.Equal(t, 42, EnvInt("STATEX_TEST_INT", 1))
	require.Equal(t, 1, EnvInt("STATEX_TEST_BAD_INT", 1))
	require.Equal(t, int64(0), EnvInt64("STATEX_TEST_INT64", 7))
	require.True(t, EnvBool("STATEX_TEST_BOOL", false))
	require.True(t, EnvBool("STATEX_TEST_MISSING", true))
	require.Equal(t, 250*time.Millisecond, EnvDuration("STATEX_TEST_DURATION", time.Second))
	require.Equal(t, time.Second, EnvDuration("STATEX_TEST_MISSING", time.Second))
}

func TestHashOrRead(t *testing.T) {
	hash, err := HashOrRead("secret")
	require.NoError(t, err)
	require.True(t, CheckPassword(hash, "secret"))
	require.False(t, CheckPassword(hash, "other"))

	again, err := HashOrRead(string(hash))
	require.NoError(t, err)
	require.Equal(t, hash, again)
}
