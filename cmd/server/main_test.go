package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/hookcatch/internal/store"
)

func TestSweepCommand(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sweep.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	ep := &store.Endpoint{ID: uuid.NewString(), CreatedAt: time.Now().UTC(), IsActive: true}
	require.NoError(t, s.CreateEndpoint(ctx, ep))
	for _, age := range []time.Duration{72 * time.Hour, time.Minute} {
		_, err := s.AppendRequest(ctx, &store.Request{
			EndpointID: ep.ID, ReceivedAt: time.Now().UTC().Add(-age), Method: "POST",
			Headers: map[string]string{}, StatusCodeReturned: 200,
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	cfgPath := filepath.Join(dir, "hookcatch.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
storage:
  backend: relational
  driver: sqlite
  dsn: `+dbPath+`
retention:
  max_age: 24h
log:
  level: warn
  output: stderr
`), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"sweep", "--config", cfgPath})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "deleted 1 requests and 0 endpoints")

	s, err = store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()
	left, err := s.ListRequests(ctx, ep.ID)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestSweepCommand_BadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  backend: tape\n"), 0o600))

	rootCmd.SetArgs([]string{"sweep", "--config", cfgPath})
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "storage.backend")
}
