package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/nodelink/internal/callback"
	"github.com/gluk-w/claworc/nodelink/internal/channel"
	"github.com/gluk-w/claworc/nodelink/internal/config"
	"github.com/gluk-w/claworc/nodelink/internal/connection"
	"github.com/gluk-w/claworc/nodelink/internal/database"
	"github.com/gluk-w/claworc/nodelink/internal/sshsetup"
	"github.com/gluk-w/claworc/nodelink/internal/workerpool"
)

type refusingConnector struct{}

func (refusingConnector) Connect(ctx context.Context, cp channel.ContactPoint) (*channel.Channel, error) {
	return nil, errors.New("connection refused")
}

func (refusingConnector) Close(ch *channel.Channel) error { return nil }

func newPool(t *testing.T) *workerpool.Pool {
	t.Helper()
	pool := workerpool.New(8, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})
	return pool
}

func TestConnectionsPersistedAndRestored(t *testing.T) {
	database.UseInMemoryForTest(t)
	pool := newPool(t)

	reg := connection.NewRegistry(refusingConnector{}, pool, callback.LogAndContinue, nil)
	reg.AddListener(NewConnections(nil))

	s, err := reg.CreateSetupFromDefinition("tcp:10.0.0.5:21000(autoRetryInitialDelay=10)", "edge", true)
	require.NoError(t, err)
	other, err := reg.CreateSetupFromDefinition("ws:10.0.0.6:21001", "core", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		recs, _ := database.ListConnections()
		return len(recs) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, reg.DisposeSetup(other))
	require.Eventually(t, func() bool {
		recs, _ := database.ListConnections()
		return len(recs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	restored := connection.NewRegistry(refusingConnector{}, pool, callback.LogAndContinue, nil)
	n, err := LoadConnections(restored, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := restored.Setups()
	require.Len(t, got, 1)
	assert.Equal(t, "edge", got[0].Name())
	assert.True(t, got[0].ConnectOnStartup())
	assert.Equal(t, s.ContactPoint(), got[0].ContactPoint())
	assert.Equal(t, s.RetryPolicy(), got[0].RetryPolicy())
}

func TestSSHPersistedAndRestored(t *testing.T) {
	database.UseInMemoryForTest(t)
	pool := newPool(t)

	svc := sshsetup.NewService(pool, nil, nil)
	svc.AddListener(NewSSH(nil))

	s, err := svc.AddSetup(sshsetup.Params{Name: "edge", Host: "10.0.0.5", Port: 2222, User: "node", AutoRetry: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := database.GetSSH(s.ID())
		return err == nil && rec.AutoRetry
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.EditSetup(s.ID(), sshsetup.Params{Name: "edge", Host: "10.0.0.5", Port: 2223, User: "node"}))
	require.Eventually(t, func() bool {
		rec, err := database.GetSSH(s.ID())
		return err == nil && rec.Port == 2223
	}, 2*time.Second, 5*time.Millisecond)

	restored := sshsetup.NewService(pool, nil, nil)
	n, err := LoadSSH(restored, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, ok := restored.Setup(s.ID())
	require.True(t, ok)
	assert.Equal(t, 2223, got.Params().Port)
	assert.False(t, got.Params().AutoRetry)

	require.NoError(t, svc.DisposeSetup(s.ID()))
	require.Eventually(t, func() bool {
		_, err := database.GetSSH(s.ID())
		return errors.Is(err, database.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestImportSkipsKnownSetups(t *testing.T) {
	pool := newPool(t)
	reg := connection.NewRegistry(refusingConnector{}, pool, callback.LogAndContinue, nil)
	svc := sshsetup.NewService(pool, nil, nil)

	conns := &config.InitialConnections{
		Connections: []config.NetworkConnection{
			{Name: "edge", Definition: "tcp:10.0.0.5:21000"},
			{Name: "broken", Definition: "tcp:nope"},
		},
		SSH: []config.SSHConnection{
			{Name: "uplink", Host: "10.0.0.5", Port: 22, User: "node"},
		},
	}
	assert.Equal(t, 2, Import(conns, reg, svc, zap.NewNop()))
	assert.Equal(t, 0, Import(conns, reg, svc, zap.NewNop()))
	assert.Len(t, reg.Setups(), 1)
	assert.Len(t, svc.Setups(), 1)
}

func TestRestoreDoesNotRewriteRestoredSetups(t *testing.T) {
	database.UseInMemoryForTest(t)
	pool := newPool(t)

	saved := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, database.DB.Create(&database.ConnectionRecord{
		Address:    "10.0.0.5:21000",
		Name:       "edge",
		Definition: "tcp:10.0.0.5:21000",
		CreatedAt:  saved,
		UpdatedAt:  saved,
	}).Error)

	reg := connection.NewRegistry(refusingConnector{}, pool, callback.LogAndContinue, nil)
	svc := sshsetup.NewService(pool, nil, nil)
	conns, ssh, err := Restore(reg, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, conns)
	assert.Equal(t, 0, ssh)

	// Setups created afterwards are persisted.
	_, err = reg.CreateSetupFromDefinition("tcp:10.0.0.6:21000", "core", false)
	require.NoError(t, err)
	_, err = svc.AddSetup(sshsetup.Params{Host: "10.0.0.7", User: "node"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		recs, _ := database.ListConnections()
		sshRecs, _ := database.ListSSH()
		return len(recs) == 2 && len(sshRecs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	recs, err := database.ListConnections()
	require.NoError(t, err)
	assert.True(t, recs[0].UpdatedAt.Equal(saved), "restored record rewritten at %v", recs[0].UpdatedAt)
}
