package store

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/feedstore/internal/storetest"
)

func testConfig(t *testing.T) EngineConfig {
	t.Helper()
	return EngineConfig{
		Path:     filepath.Join(t.TempDir(), "feedstore.db"),
		Endpoint: "wss://firehose.example/subscribe",
		Logger:   storetest.NewLogger(),
		Clock:    clockwork.NewFakeClock(),
	}
}

func TestOpen_FreshDirectoryInitializes(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	_, ok, err := e.ResumeCursor()
	require.NoError(t, err)
	require.False(t, ok)

	info, err := e.Info()
	require.NoError(t, err)
	require.Equal(t, cfg.Endpoint, info.Endpoint)
	require.Nil(t, info.LatestCursor)
}

func TestOpen_RecoversExistingDirectory(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	e1, err := Open(cfg)
	require.NoError(t, err)
	secret1 := e1.SketchSecret()
	require.NoError(t, e1.Close())

	e2, err := Open(cfg)
	require.NoError(t, err)
	defer e2.Close()
	require.Equal(t, secret1, e2.SketchSecret())
}

func TestOpen_InstanceIDIsStableAcrossReopen(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	e1, err := Open(cfg)
	require.NoError(t, err)
	info1, err := e1.Info()
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, info1.InstanceID)
	require.NoError(t, e1.Close())

	e2, err := Open(cfg)
	require.NoError(t, err)
	defer e2.Close()
	info2, err := e2.Info()
	require.NoError(t, err)
	require.Equal(t, info1.InstanceID, info2.InstanceID)
}

func TestOpen_EndpointMismatchFailsWithoutForce(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	e1, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	cfg.Endpoint = "wss://other.example/subscribe"
	_, err = Open(cfg)
	require.Error(t, err)
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
}

func TestOpen_EndpointMismatchSucceedsWithForce(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	e1, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	cfg.Endpoint = "wss://other.example/subscribe"
	cfg.ForceEndpoint = true
	e2, err := Open(cfg)
	require.NoError(t, err)
	defer e2.Close()

	info, err := e2.Info()
	require.NoError(t, err)
	require.Equal(t, cfg.Endpoint, info.Endpoint)
}

func TestAcquireBackground_OnlyOneCallerSucceeds(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.AcquireBackground()
	require.NoError(t, err)

	_, err = e.AcquireBackground()
	require.ErrorIs(t, err, ErrBackgroundAlreadyStarted)
}
