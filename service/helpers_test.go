package service

import (
	"os"
	"path/filepath"
	"testing"

	"DreamerV-server/config"
	"DreamerV-server/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestConfig 指向临时目录的最小配置，测试结束自动清理
func setupTestConfig(t *testing.T) {
	t.Helper()
	dataDir := t.TempDir()
	cfg := &config.Config{}
	cfg.Server.Port = ":0"
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = ":memory:"
	cfg.GCS.OutputBucket = "test-bucket"
	cfg.Vertex.ProjectID = "test-project"
	cfg.Vertex.Location = "us-central1"
	cfg.Vertex.DefaultVideoModel = "veo-2.0-generate-001"
	cfg.Vertex.ExtensionModel = "veo-2.0-generate-exp"
	cfg.Vertex.ExtensionDuration = 6
	cfg.Media.DataDir = dataDir
	cfg.Media.FFmpegBin = "/nonexistent/ffmpeg"
	cfg.Media.FFprobeBin = "/nonexistent/ffprobe"
	require.NoError(t, cfg.EnsureDirs())
	config.AppConfig = cfg
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return db
}

func staticTokens(token string) *TokenProvider {
	return &TokenProvider{
		source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
	}
}

func writeTempFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
