package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadBundledConfig(t *testing.T) {
	c, err := Load("config.yml")
	require.NoError(t, err)
	assert.Equal(t, "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7.stacksyield-pro", c.Contract)
	assert.Equal(t, 90*time.Second, c.Timeouts.Approve)
	assert.Equal(t, 30*time.Second, c.Bridge.DetectTTL)
	assert.Equal(t, "127.0.0.1:6379", c.Redis.GetRedisAddress())
	assert.True(t, c.Redis.Enabled())
	assert.Equal(t, []string{"https://stacksyield.app/icon.png"}, c.App.Icons)
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, "contract: SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7.v\n"))
	require.NoError(t, err)
	assert.Equal(t, "mainnet", c.Network)
	assert.Equal(t, 10*time.Second, c.Timeouts.Build)
	assert.Equal(t, 20*time.Second, c.Timeouts.Broadcast)
	assert.Equal(t, 30*time.Second, c.Poller.Interval)
	assert.Equal(t, 5*time.Minute, c.WalletConnect.ConnectTimeout)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.False(t, c.Redis.Enabled())
	assert.Empty(t, c.WalletConnect.ProjectID, "a missing project id is not a load error")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VITE_WALLETCONNECT_PROJECT_ID", "vite-id")
	t.Setenv("WALLETCONNECT_RELAY_URL", "wss://relay.example")
	t.Setenv("HIRO_API_KEY", "secret")
	path := writeConfig(t, "wallet_connect:\n  project_id: from-file\n  relay_url: wss://file\n")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "vite-id", c.WalletConnect.ProjectID)
	assert.Equal(t, "wss://relay.example", c.WalletConnect.RelayURL)
	assert.Equal(t, "secret", c.API.Key)

	t.Setenv("WALLETCONNECT_PROJECT_ID", "plain-id")
	c, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "plain-id", c.WalletConnect.ProjectID, "unprefixed name wins")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorContains(t, err, "does not exist")

	_, err = Load(writeConfig(t, "timeouts: [1, 2"))
	assert.ErrorContains(t, err, "fail to decode")
}
