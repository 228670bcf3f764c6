package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("CHUNK_SIZE", "")
	cfg := Load()

	require.Equal(t, "postgres", cfg.StoreDriver)
	require.Equal(t, 1000, cfg.ChunkSize)
	require.Equal(t, ',', cfg.SourceDelimiter)
	require.Equal(t, 5*time.Minute, cfg.ChunkLease)
	require.False(t, cfg.RowFallback)
	require.Empty(t, cfg.ResetToken)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("CHUNK_SIZE", "250")
	t.Setenv("SOURCE_DELIMITER", "tab")
	t.Setenv("ROW_FALLBACK", "true")
	t.Setenv("UPSERT_TIMEOUT", "5s")
	t.Setenv("MAX_ATTEMPTS", "not-a-number")
	cfg := Load()

	require.Equal(t, "sqlite", cfg.StoreDriver)
	require.Equal(t, 250, cfg.ChunkSize)
	require.Equal(t, '\t', cfg.SourceDelimiter)
	require.True(t, cfg.RowFallback)
	require.Equal(t, 5*time.Second, cfg.UpsertTimeout)
	require.Equal(t, 5, cfg.MaxAttempts)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.StoreDriver = "mysql"
	require.Error(t, cfg.Validate())

	cfg = Load()
	cfg.SourceBackend = "s3"
	cfg.SourceBucket = ""
	require.ErrorContains(t, cfg.Validate(), "SOURCE_BUCKET")
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var text, js bytes.Buffer
	logger := SetupLoggerWithWriters(&text, &js, ParseLevel("info"))

	logger.Debug("hidden")
	logger.Info("chunk processed", "job", "abc", "chunk", 2)

	require.NotContains(t, text.String(), "hidden")
	require.Contains(t, text.String(), "chunk processed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(js.String())), &entry))
	require.Equal(t, "abc", entry["job"])
	require.Equal(t, float64(2), entry["chunk"])
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.log")
	logger, cleanup := SetupLogger(path, slog.LevelInfo)
	logger.Info("hello")
	require.NoError(t, cleanup())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}
