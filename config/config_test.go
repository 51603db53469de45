package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 50, cfg.AWS.ObjectLimitMB)
	assert.Equal(t, int64(50)<<20, cfg.AWS.ObjectLimit())
	assert.Equal(t, "data/uploads", cfg.Media.UploadDir)
	assert.True(t, cfg.Media.BackupSegments)
	assert.False(t, cfg.Media.ForceCleanup)
	assert.Equal(t, int64(500)<<20, cfg.Media.PreferSegmentsOver())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AWS_S3_OBJECT_LIMIT_MB", "10")
	t.Setenv("AWS_S3_BACKUP_BUCKETS", "backup-a, backup-b, ")
	t.Setenv("BACKUP_SEGMENTS", "false")
	t.Setenv("FORCE_CLEANUP", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, int64(10)<<20, cfg.AWS.ObjectLimit())
	assert.Equal(t, []string{"backup-a", "backup-b"}, cfg.AWS.BackupBuckets)
	assert.False(t, cfg.Media.BackupSegments)
	assert.True(t, cfg.Media.ForceCleanup)
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{URL: "postgres://explicit"}
	assert.Equal(t, "postgres://explicit", c.DSN())

	c = DatabaseConfig{Host: "db", Port: "5433", User: "u", Password: "p", DBName: "videos", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5433/videos?sslmode=disable", c.DSN())
}

func TestSplitTrim(t *testing.T) {
	assert.Nil(t, splitTrim("", ","))
	assert.Equal(t, []string{"a", "b"}, splitTrim(" a ,b,", ","))
}
