package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appraisal/internal/app"
	"appraisal/internal/config"
)

func TestOpenSeedsTeamFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Team = map[string]string{"emp-1": "mgr-1", "mgr-1": "lead-1"}
	data, err := cfg.YAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), data, 0o644))

	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{Workspace: dir, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	assert.NotNil(t, a.Metrics)
	mgr, ok, err := a.Engine.Repo.ManagerOf(ctx, "emp-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "mgr-1", mgr)

	lines, err := a.Engine.Repo.ListReportingLines(ctx, "lead-1")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "mgr-1", lines[0].EmployeeID)
}

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	_, ok := a.Config.Template("annual")
	assert.True(t, ok)
	assert.Nil(t, a.Metrics)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yml")
	require.NoError(t, os.WriteFile(path, []byte("templates: [{id: \"\"}]\n"), 0o644))
	_, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), ConfigPath: path})
	require.Error(t, err)
}
