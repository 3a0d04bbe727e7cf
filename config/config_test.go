package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DISKS", "originals=./media")
	cfg, err := LoadConfig()
	if err == nil {
		t.Fatalf("expected error without a thumbnail disk, got %+v", cfg.Disks)
	}

	t.Setenv("DISKS", "originals=./media,thumbnails=./thumbs")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PipelineMode != ModeQueued || cfg.LockBackend != LockBackendDatabase {
		t.Fatalf("unexpected defaults: mode=%s lock=%s", cfg.PipelineMode, cfg.LockBackend)
	}
	if !filepath.IsAbs(cfg.Disks["thumbnails"]) {
		t.Fatalf("disk root not absolute: %s", cfg.Disks["thumbnails"])
	}
	if got := cfg.Stage("face").LockWait; got != 3*time.Minute {
		t.Fatalf("face lock wait = %s", got)
	}
	if len(cfg.CORSOrigins) != 1 {
		t.Fatalf("cors origins = %v", cfg.CORSOrigins)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DISKS", "originals=/srv/photos, thumbnails=/srv/thumbs")
	t.Setenv("PIPELINE_MODE", "SYNC")
	t.Setenv("PIPELINE_DRY_RUN", "true")
	t.Setenv("STAGE_METADATA_LOCK_WAIT", "5s")
	t.Setenv("STAGE_METADATA_QUEUE", "exif")
	t.Setenv("NUM_WORKERS", "-3")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PipelineMode != ModeSync || !cfg.PipelineDryRun {
		t.Fatalf("mode=%s dry=%v", cfg.PipelineMode, cfg.PipelineDryRun)
	}
	st := cfg.Stage("metadata")
	if st.LockWait != 5*time.Second || st.Queue != "exif" {
		t.Fatalf("metadata stage = %+v", st)
	}
	if cfg.NumWorkers != defaultNumWorkers {
		t.Fatalf("invalid NUM_WORKERS should fall back, got %d", cfg.NumWorkers)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Fatalf("cors origins = %v", cfg.CORSOrigins)
	}
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	t.Setenv("DISKS", "thumbnails=/tmp/thumbs")
	for key, value := range map[string]string{
		"PIPELINE_MODE":      "eventually",
		"LOCK_BACKEND":       "zookeeper",
		"THUMBNAIL_METHOD":   "stretch",
		"METADATA_EXTRACTOR": "magic",
		"FACE_ENCODER":       "oracle",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, value)
			}
		})
	}
}

func TestParseDisks(t *testing.T) {
	if _, err := parseDisks("originals"); err == nil {
		t.Fatal("expected error for missing path")
	}
	disks, err := parseDisks(" a=/x ,, b = /y ")
	if err != nil {
		t.Fatalf("parseDisks: %v", err)
	}
	if disks["a"] != filepath.Clean("/x") || disks["b"] != filepath.Clean("/y") {
		t.Fatalf("disks = %v", disks)
	}
}

func TestStageFallback(t *testing.T) {
	st := Config{}.Stage("transcode")
	if st.Queue != "transcode" || st.LockWait <= 0 || st.RetryDelay <= 0 {
		t.Fatalf("fallback = %+v", st)
	}
}
