package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "gorm", cfg.Queue.Backend)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 6.0, cfg.Counting.LineTolerance)
	assert.Equal(t, 0.35, cfg.Counting.Confidence)
	assert.Equal(t, 10, cfg.Counting.ProgressEvery)
	assert.True(t, cfg.Counting.Annotate)
	assert.Equal(t, []string{"car", "bus", "truck", "motorcycle", "motorbike"}, cfg.Counting.Classes)
}

func TestLoadOriginalEnvNames(t *testing.T) {
	t.Setenv("RESIZE_W", "960")
	t.Setenv("COUNT_LINE_A", "300,320")
	t.Setenv("COUNT_LINE_B", "900,300")
	t.Setenv("LINE_TOL", "3")
	t.Setenv("YOLO_CONF", "0.5")
	t.Setenv("SAVE_ANNOTATED_VIDEO", "false")
	t.Setenv("PROGRESS_EVERY_N_FRAMES", "25")

	cfg, err := Load(writeConfig(t, "queue:\n  workers: 4\n"))
	require.NoError(t, err)

	assert.Equal(t, 960, cfg.Counting.ResizeWidth)
	assert.Equal(t, "300,320", cfg.Counting.LineA)
	assert.Equal(t, "900,300", cfg.Counting.LineB)
	assert.Equal(t, 3.0, cfg.Counting.LineTolerance)
	assert.Equal(t, 0.5, cfg.Counting.Confidence)
	assert.False(t, cfg.Counting.Annotate)
	assert.Equal(t, 25, cfg.Counting.ProgressEvery)
	assert.Equal(t, 4, cfg.Queue.Workers)
}

func TestLoadRejectsHalfALine(t *testing.T) {
	t.Setenv("COUNT_LINE_A", "300,320")

	_, err := Load(writeConfig(t, "server:\n  port: 8080\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line_a and counting.line_b")
}

func TestDatabaseDSN(t *testing.T) {
	sqlite := DatabaseConfig{Driver: "sqlite", Path: "./data/x.db"}
	assert.Equal(t, "./data/x.db", sqlite.DSN())

	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "vc"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=vc sslmode=disable", pg.DSN())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
