package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	c, err := FromEnv(lookup(nil))
	require.NoError(t, err)
	require.Equal(t, Default(), c)
	require.Equal(t, ":8080", c.HTTPAddr)
	require.False(t, c.VerifierEnabled())
	require.Equal(t, VerifierNone, c.VerifierMode())
	require.Equal(t, c.ReconnectMaxRetries, c.Reconcile().ReconnectMaxRetries)
	require.Equal(t, c.StreamBufferSize, c.Bridge().StreamBufferSize)
}

func TestFromEnv_Overrides(t *testing.T) {
	c, err := FromEnv(lookup(map[string]string{
		HTTPAddrEnv:                 ":9000",
		ShutdownTimeoutEnv:          "3s",
		CatalogFileEnv:              "catalog.yaml",
		PlatformVersionEnv:          "Android 14",
		PlayPackageNameEnv:          "com.example.app",
		PlayServiceAccountFileEnv:   "sa.json",
		VerifierCacheTTLEnv:         "1m",
		RequireVerifierEnv:          "true",
		ReconnectInitialIntervalEnv: "100ms",
		ReconnectMaxIntervalEnv:     "2s",
		ReconnectMaxRetriesEnv:      "3",
		StreamBufferSizeEnv:         "8",
		StreamSendTimeoutEnv:        "250ms",
		LogDevelopmentEnv:           "1",
		AutoCompletePurchasesEnv:    "true",
	}))
	require.NoError(t, err)

	require.Equal(t, ":9000", c.HTTPAddr)
	require.Equal(t, 3*time.Second, c.ShutdownTimeout)
	require.Equal(t, "catalog.yaml", c.CatalogFile)
	require.True(t, c.VerifierEnabled())
	require.Equal(t, VerifierPlay, c.VerifierMode())
	require.True(t, c.RequireVerifier)
	require.Equal(t, time.Minute, c.VerifierCacheTTL)
	require.True(t, c.LogDevelopment)
	require.True(t, c.AutoCompletePurchases)

	reconcileConf := c.Reconcile()
	require.Equal(t, 100*time.Millisecond, reconcileConf.ReconnectInitialInterval)
	require.Equal(t, 2*time.Second, reconcileConf.ReconnectMaxInterval)
	require.EqualValues(t, 3, reconcileConf.ReconnectMaxRetries)

	bridgeConf := c.Bridge()
	require.Equal(t, "Android 14", bridgeConf.PlatformVersion)
	require.Equal(t, 8, bridgeConf.StreamBufferSize)
	require.Equal(t, 250*time.Millisecond, bridgeConf.StreamSendTimeout)
}

func TestFromEnv_Invalid(t *testing.T) {
	for _, env := range []map[string]string{
		{ShutdownTimeoutEnv: "soon"},
		{ReconnectMaxRetriesEnv: "-1"},
		{StreamBufferSizeEnv: "0"},
		{RequireVerifierEnv: "maybe"},
		{ReconnectInitialIntervalEnv: "1m", ReconnectMaxIntervalEnv: "1s"},
		{PlayPackageNameEnv: "com.example.app"},
		{VerifierEnv: "oracle"},
		{VerifierEnv: "play"},
		{VerifierEnv: "caller", CallerVerifyTimeoutEnv: "0s"},
	} {
		_, err := FromEnv(lookup(env))
		require.Error(t, err, "%v", env)
	}
}

func TestFromEnv_RequireVerifier(t *testing.T) {
	_, err := FromEnv(lookup(map[string]string{RequireVerifierEnv: "true"}))
	require.ErrorIs(t, err, ErrVerifierRequired)

	_, err = FromEnv(lookup(map[string]string{RequireVerifierEnv: "true", VerifierEnv: "none"}))
	require.ErrorIs(t, err, ErrVerifierRequired)
}

func TestFromEnv_VerifierMode(t *testing.T) {
	for _, tc := range []struct {
		env  map[string]string
		mode VerifierMode
	}{
		{env: map[string]string{VerifierEnv: "memory", RequireVerifierEnv: "true"}, mode: VerifierMemory},
		{env: map[string]string{VerifierEnv: "caller", CallerVerifyTimeoutEnv: "3s"}, mode: VerifierCaller},
		{env: map[string]string{VerifierEnv: "none", PlayPackageNameEnv: "com.example.app", PlayServiceAccountFileEnv: "sa.json"}, mode: VerifierNone},
		{env: map[string]string{VerifierEnv: "play", PlayPackageNameEnv: "com.example.app", PlayServiceAccountFileEnv: "sa.json"}, mode: VerifierPlay},
	} {
		c, err := FromEnv(lookup(tc.env))
		require.NoError(t, err, "%v", tc.env)
		require.Equal(t, tc.mode, c.VerifierMode())
		require.Equal(t, tc.mode != VerifierNone, c.VerifierEnabled())
	}

	c, err := FromEnv(lookup(map[string]string{VerifierEnv: "caller", CallerVerifyTimeoutEnv: "3s"}))
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, c.CallerVerifyTimeout)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.env")
	require.NoError(t, os.WriteFile(path, []byte("PLATFORM_VERSION=from-file\n"), 0o600))

	require.NoError(t, os.Unsetenv(PlatformVersionEnv))
	t.Cleanup(func() {
		os.Unsetenv(PlatformVersionEnv)
	})

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", c.PlatformVersion)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}
