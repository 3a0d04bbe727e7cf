package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// pipeline execution modes
const (
	ModeQueued   = "queued"
	ModeSync     = "sync"
	ModeDisabled = "disabled"
)

// lock manager backends
const (
	LockBackendDatabase = "database"
	LockBackendRedis    = "redis"
	LockBackendFile     = "file"
)

// metadata extractor implementations
const (
	ExtractorGoexif   = "goexif"
	ExtractorExiftool = "exiftool"
)

// face encoder implementations
const (
	FaceEncoderHTTP  = "http"
	FaceEncoderLocal = "local"
)

const (
	defaultDatabasePath       = "pipeline.db"
	defaultHTTPAddr           = ":8080"
	defaultThumbnailDisk      = "thumbnails"
	defaultThumbnailMethod    = "cover"
	defaultThumbnailWidth     = 300
	defaultThumbnailHeight    = 300
	defaultNumWorkers         = 4
	defaultMaxAttempts        = 5
	defaultPollInterval       = time.Second
	defaultReservationTimeout = 15 * time.Minute
	defaultGeocoderURL        = "https://nominatim.openstreetmap.org"
	defaultGeocoderUserAgent  = "mediapipeline/1.0"
	defaultGeocoderRate       = 1
	defaultExternalTimeout    = 20 * time.Second
	defaultFaceServiceURL     = "http://localhost:5000"
	defaultEncodingDimension  = 128
	defaultExiftoolPath       = "exiftool"
	defaultSweepInterval      = 5 * time.Minute
	defaultLedgerStaleAge     = time.Hour
	defaultDuplicateDistance  = 6
)

// StageSettings holds the lock and retry knobs for one pipeline stage.
type StageSettings struct {
	Queue      string        // named queue the stage's jobs are pushed to
	LockWait   time.Duration // how long a handler blocks waiting for the asset lock
	LockHold   time.Duration // maximum time a lock may be held before it expires
	RetryDelay time.Duration // delay before a lock/transient failure is retried
}

type Config struct {
	// database path
	DatabasePath string

	// storage disks: label -> absolute root directory
	Disks map[string]string

	// default disk new assets are discovered on
	SourceDisk string

	// HTTP listen address and allowed CORS origins
	HTTPAddr    string
	CORSOrigins []string

	// pipeline defaults, overridable per dispatcher / per call
	PipelineMode    string
	PipelineDryRun  bool
	PipelineVerbose bool

	// thumbnail generation settings
	ThumbnailDisk   string
	ThumbnailPrefix string
	ThumbnailMethod string
	ThumbnailWidth  int
	ThumbnailHeight int

	// worker settings
	NumWorkers         int
	MaxAttempts        int
	PollInterval       time.Duration
	ReservationTimeout time.Duration

	// per stage lock / retry / queue settings
	Stages map[string]StageSettings

	// lock manager
	LockBackend string
	LockDir     string
	RedisAddr   string

	// reverse geocoder
	GeocoderURL       string
	GeocoderUserAgent string
	GeocoderTimeout   time.Duration
	GeocoderRate      int

	// face encoding / comparison
	FaceEncoder          string
	FaceServiceURL       string
	FaceServiceTimeout   time.Duration
	FaceEncodingDim      int
	FaceDNNNetConfigPath string
	FaceDNNNetModelPath  string
	FaceEmbedModelPath   string

	// metadata extraction
	MetadataExtractor string
	ExiftoolPath      string
	ExiftoolTimeout   time.Duration

	// duplicate detection: max hamming distance between perceptual hashes
	DuplicateMaxDistance int

	// maintenance
	SweepInterval  time.Duration
	LedgerStaleAge time.Duration

	// logging
	LogLevel  string
	LogFormat string
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvDurationOrDefault(envVar string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %s. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvBoolOrDefault(envVar string, defaultVal bool) bool {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		log.Printf("Warning: Invalid %s '%s'. Using default %t. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

// parseDisks reads "label=path,label=path" into absolute roots.
func parseDisks(raw string) (map[string]string, error) {
	disks := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, root, ok := strings.Cut(part, "=")
		label = strings.TrimSpace(label)
		root = strings.TrimSpace(root)
		if !ok || label == "" || root == "" {
			return nil, fmt.Errorf("invalid disk definition '%s', expected label=path", part)
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for disk '%s': %w", label, err)
		}
		disks[label] = absRoot
	}
	return disks, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadStage(name string, queue string, wait, hold, retry time.Duration) StageSettings {
	prefix := "STAGE_" + strings.ToUpper(name) + "_"
	return StageSettings{
		Queue:      getEnvOrDefault(prefix+"QUEUE", queue),
		LockWait:   getEnvDurationOrDefault(prefix+"LOCK_WAIT", wait),
		LockHold:   getEnvDurationOrDefault(prefix+"LOCK_HOLD", hold),
		RetryDelay: getEnvDurationOrDefault(prefix+"RETRY_DELAY", retry),
	}
}

func LoadConfig() (Config, error) {
	disks, err := parseDisks(getEnvOrDefault("DISKS", "originals=./media,thumbnails=./media_storage/thumbnails"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabasePath:    getEnvOrDefault("DATABASE_PATH", defaultDatabasePath),
		Disks:           disks,
		SourceDisk:      getEnvOrDefault("SOURCE_DISK", "originals"),
		HTTPAddr:        getEnvOrDefault("HTTP_ADDR", defaultHTTPAddr),
		CORSOrigins:     splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),
		PipelineMode:    strings.ToLower(getEnvOrDefault("PIPELINE_MODE", ModeQueued)),
		PipelineDryRun:  getEnvBoolOrDefault("PIPELINE_DRY_RUN", false),
		PipelineVerbose: getEnvBoolOrDefault("PIPELINE_VERBOSE", false),

		ThumbnailDisk:   getEnvOrDefault("THUMBNAIL_DISK", defaultThumbnailDisk),
		ThumbnailPrefix: getEnvOrDefault("THUMBNAIL_PREFIX", ""),
		ThumbnailMethod: strings.ToLower(getEnvOrDefault("THUMBNAIL_METHOD", defaultThumbnailMethod)),
		ThumbnailWidth:  getEnvIntOrDefault("THUMBNAIL_WIDTH", defaultThumbnailWidth),
		ThumbnailHeight: getEnvIntOrDefault("THUMBNAIL_HEIGHT", defaultThumbnailHeight),

		NumWorkers:         getEnvIntOrDefault("NUM_WORKERS", defaultNumWorkers),
		MaxAttempts:        getEnvIntOrDefault("QUEUE_MAX_ATTEMPTS", defaultMaxAttempts),
		PollInterval:       getEnvDurationOrDefault("QUEUE_POLL_INTERVAL", defaultPollInterval),
		ReservationTimeout: getEnvDurationOrDefault("QUEUE_RESERVATION_TIMEOUT", defaultReservationTimeout),

		Stages: map[string]StageSettings{
			"image":       loadStage("image", "images", 30*time.Second, 2*time.Minute, 10*time.Second),
			"thumbnail":   loadStage("thumbnail", "thumbnails", 30*time.Second, 2*time.Minute, 10*time.Second),
			"metadata":    loadStage("metadata", "metadata", time.Minute, 5*time.Minute, 30*time.Second),
			"geolocation": loadStage("geolocation", "geolocation", time.Minute, 5*time.Minute, time.Minute),
			"face":        loadStage("face", "faces", 3*time.Minute, 10*time.Minute, 2*time.Minute),
		},

		LockBackend: strings.ToLower(getEnvOrDefault("LOCK_BACKEND", LockBackendDatabase)),
		LockDir:     getEnvOrDefault("LOCK_DIR", filepath.Join(os.TempDir(), "mediapipeline-locks")),
		RedisAddr:   getEnvOrDefault("REDIS_ADDR", "localhost:6379"),

		GeocoderURL:       getEnvOrDefault("GEOCODER_URL", defaultGeocoderURL),
		GeocoderUserAgent: getEnvOrDefault("GEOCODER_USER_AGENT", defaultGeocoderUserAgent),
		GeocoderTimeout:   getEnvDurationOrDefault("GEOCODER_TIMEOUT", defaultExternalTimeout),
		GeocoderRate:      getEnvIntOrDefault("GEOCODER_RATE", defaultGeocoderRate),

		FaceEncoder:          strings.ToLower(getEnvOrDefault("FACE_ENCODER", FaceEncoderHTTP)),
		FaceServiceURL:       getEnvOrDefault("FACE_SERVICE_URL", defaultFaceServiceURL),
		FaceServiceTimeout:   getEnvDurationOrDefault("FACE_SERVICE_TIMEOUT", 2*defaultExternalTimeout),
		FaceEncodingDim:      getEnvIntOrDefault("FACE_ENCODING_DIM", defaultEncodingDimension),
		FaceDNNNetConfigPath: getEnvOrDefault("FACE_DNN_CONFIG_PATH", "./models/deploy.prototxt.txt"),
		FaceDNNNetModelPath:  getEnvOrDefault("FACE_DNN_MODEL_PATH", "./models/res10_300x300_ssd_iter_140000_fp16.caffemodel"),
		FaceEmbedModelPath:   getEnvOrDefault("FACE_EMBED_MODEL_PATH", "./models/nn4.small2.v1.t7"),

		MetadataExtractor: strings.ToLower(getEnvOrDefault("METADATA_EXTRACTOR", ExtractorGoexif)),
		ExiftoolPath:      getEnvOrDefault("EXIFTOOL_PATH", defaultExiftoolPath),
		ExiftoolTimeout:   getEnvDurationOrDefault("EXIFTOOL_TIMEOUT", defaultExternalTimeout),

		DuplicateMaxDistance: getEnvIntOrDefault("DUPLICATE_MAX_DISTANCE", defaultDuplicateDistance),

		SweepInterval:  getEnvDurationOrDefault("SWEEP_INTERVAL", defaultSweepInterval),
		LedgerStaleAge: getEnvDurationOrDefault("LEDGER_STALE_AGE", defaultLedgerStaleAge),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "console"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects enum values the pipeline does not understand.
func (c Config) Validate() error {
	switch c.PipelineMode {
	case ModeQueued, ModeSync, ModeDisabled:
	default:
		return fmt.Errorf("invalid PIPELINE_MODE '%s'", c.PipelineMode)
	}
	switch c.LockBackend {
	case LockBackendDatabase, LockBackendRedis, LockBackendFile:
	default:
		return fmt.Errorf("invalid LOCK_BACKEND '%s'", c.LockBackend)
	}
	switch c.ThumbnailMethod {
	case "cover", "scale", "resize", "contain":
	default:
		return fmt.Errorf("invalid THUMBNAIL_METHOD '%s'", c.ThumbnailMethod)
	}
	switch c.MetadataExtractor {
	case ExtractorGoexif, ExtractorExiftool:
	default:
		return fmt.Errorf("invalid METADATA_EXTRACTOR '%s'", c.MetadataExtractor)
	}
	switch c.FaceEncoder {
	case FaceEncoderHTTP, FaceEncoderLocal:
	default:
		return fmt.Errorf("invalid FACE_ENCODER '%s'", c.FaceEncoder)
	}
	if _, ok := c.Disks[c.ThumbnailDisk]; !ok {
		return fmt.Errorf("thumbnail disk '%s' is not configured in DISKS", c.ThumbnailDisk)
	}
	return nil
}

// Stage returns the settings for a stage, falling back to conservative defaults.
func (c Config) Stage(name string) StageSettings {
	if s, ok := c.Stages[name]; ok {
		return s
	}
	return StageSettings{Queue: name, LockWait: 30 * time.Second, LockHold: 5 * time.Minute, RetryDelay: 30 * time.Second}
}
