package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-mirror/internal/config"
	"github.com/Martian-dev/mail-mirror/internal/mailerr"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	return s
}

func TestGatewayPoolRequiresToken(t *testing.T) {
	pool := newGatewayPool(gatewayOptions(&config.Config{Gmail: config.GmailConfig{QPS: 5}}), openStore(t))

	_, err := pool.Get(context.Background(), "u1")
	require.ErrorIs(t, err, mailerr.ErrUnauthenticated)

	provider, err := pool.Provider(context.Background(), "u1")
	require.ErrorIs(t, err, mailerr.ErrUnauthenticated)
	assert.Nil(t, provider)
}

func TestGatewayPoolReusesGateway(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	pool := newGatewayPool(gatewayOptions(&config.Config{Gmail: config.GmailConfig{QPS: 5}}), s)

	require.NoError(t, s.SaveAccountToken(ctx, store.AccountToken{UserID: "u1", Provider: providerGoogle, AccessToken: "at1", RefreshToken: "rt"}))

	first, err := pool.Get(ctx, "u1")
	require.NoError(t, err)

	again, err := pool.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, s.SaveAccountToken(ctx, store.AccountToken{UserID: "u1", Provider: providerGoogle, AccessToken: "at2"}))

	refreshed, err := pool.Get(ctx, "u1")
	require.NoError(t, err)
	assert.NotSame(t, first, refreshed)
}

func TestConfigureLogging(t *testing.T) {
	level, formatter := logrus.GetLevel(), logrus.StandardLogger().Formatter
	t.Cleanup(func() {
		logrus.SetLevel(level)
		logrus.SetFormatter(formatter)
	})

	require.NoError(t, configureLogging(config.LogConfig{Level: "debug", Format: "json"}))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	require.Error(t, configureLogging(config.LogConfig{Level: "loud"}))
	require.Error(t, configureLogging(config.LogConfig{Level: "info", Format: "xml"}))
}

func TestCommandTree(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"serve", "backfill", "sync", "watch", "migrate", "account"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestAccountSetStoresToken(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "mirror.db")

	root := NewRootCmd()
	root.SetArgs([]string{
		"account", "set",
		"--database.url", dbPath,
		"--blob.driver", "badger",
		"--user", "u1",
		"--access-token", "at",
		"--refresh-token", "rt",
	})
	require.NoError(t, root.ExecuteContext(ctx))

	s, err := store.Open(ctx, store.DriverSQLite, dbPath)
	require.NoError(t, err)
	defer s.Close()

	tok, err := s.AccountToken(ctx, "u1", providerGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
}

func TestServeRequiresJWKS(t *testing.T) {
	err := serve(context.Background(), &config.Config{})
	require.Error(t, err)
}
