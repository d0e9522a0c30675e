// Package config loads the service's environment-driven configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Config holds all runtime configuration for the storage service.
type Config struct {
	Port string

	// StorageRoot contains the blob tree, the staging tree, and the data
	// directory. See DataDir/BlobsDir/StagingDir/ChunksDir below.
	StorageRoot string

	// OwnerSecret is the HMAC key used by internal/privacy to derive owner
	// identifiers from client addresses. Required; absence is a fatal
	// configuration error (spec.md §4.1).
	OwnerSecret string

	// MetricsToken optionally gates /metrics and /healthz/ready the same way
	// the teacher's X-Service-Token did. Empty means dev mode (open).
	MetricsToken string

	MaxFileBytes uint64
	MaxFileSize  string // human-readable rendering of MaxFileBytes, e.g. "500 MB"

	MaxActiveFilesPerOwner int

	MaxStorageBytes uint64
	HysteresisHigh  float64 // fraction of MaxStorageBytes that flips uploads_blocked true
	HysteresisLow   float64 // fraction that flips it back false

	ChunkSizeMin int64
	ChunkSizeMax int64
	MaxChunks    int

	SessionIdleHorizon time.Duration
	BlobGraceWindow    time.Duration

	// StagingReclaimHorizon is how old an uncommitted Blob Store staging file
	// must be before ReclaimOrphanedStaging treats it as crash debris rather
	// than an in-flight write (spec.md §4.3/§4.6 crash recovery).
	StagingReclaimHorizon time.Duration

	SchedulerInterval time.Duration

	TrustProxyHeaders bool
	TrustedProxyCIDRs []*net.IPNet

	ProdHost string

	MaxConcurrentUploads int
	MaxAssemblyWorkers   int
	MinFreeBytes         int64

	RateLimitPerSecond float64
	RateLimitBurst     int

	// RateLimitIdleHorizon is how long a (owner, route family) bucket can sit
	// untouched before the Expiration Scheduler compacts it away.
	RateLimitIdleHorizon time.Duration
}

// Load reads configuration from the environment, applying the same defaults
// the original service shipped with.
func Load() (*Config, error) {
	secret := os.Getenv("OWNER_SECRET")
	if len(secret) < 16 {
		return nil, fmt.Errorf("OWNER_SECRET must be set and at least 16 bytes (got %d)", len(secret))
	}

	maxFileBytes, err := parseSize(getEnv("MAX_FILE_SIZE", "500MB"), 500*humanize.MByte)
	if err != nil {
		return nil, fmt.Errorf("MAX_FILE_SIZE: %w", err)
	}
	maxStorageBytes, err := parseSize(getEnv("MAX_STORAGE_BYTES", "100GB"), 100*humanize.GByte)
	if err != nil {
		return nil, fmt.Errorf("MAX_STORAGE_BYTES: %w", err)
	}

	cidrs, err := parseCIDRList(getEnv("TRUSTED_PROXY_CIDRS", ""))
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXY_CIDRS: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		StorageRoot: getEnv("STORAGE_ROOT", "/data/driftbin"),
		OwnerSecret: secret,

		MetricsToken: os.Getenv("METRICS_TOKEN"),

		MaxFileBytes: maxFileBytes,
		MaxFileSize:  humanize.Bytes(maxFileBytes),

		MaxActiveFilesPerOwner: getEnvInt("MAX_ACTIVE_FILES_PER_OWNER", 10),

		MaxStorageBytes: maxStorageBytes,
		HysteresisHigh:  getEnvFloat("QUOTA_HYSTERESIS_HIGH", 0.95),
		HysteresisLow:   getEnvFloat("QUOTA_HYSTERESIS_LOW", 0.85),

		ChunkSizeMin: getEnvInt64("CHUNK_SIZE_MIN", 64*1024),
		ChunkSizeMax: getEnvInt64("CHUNK_SIZE_MAX", 32*1024*1024),
		MaxChunks:    getEnvInt("MAX_CHUNKS", 20_000),

		SessionIdleHorizon: getEnvDuration("SESSION_IDLE_HORIZON", 6*time.Hour),
		BlobGraceWindow:    getEnvDuration("BLOB_GRACE_WINDOW", 5*time.Minute),

		StagingReclaimHorizon: getEnvDuration("STAGING_RECLAIM_HORIZON", time.Hour),

		SchedulerInterval: getEnvDuration("SCHEDULER_INTERVAL", time.Minute),

		TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),
		TrustedProxyCIDRs: cidrs,

		ProdHost: getEnv("PROD_HOST", ""),

		MaxConcurrentUploads: getEnvInt("MAX_CONCURRENT_UPLOADS", 256),
		MaxAssemblyWorkers:   getEnvInt("MAX_ASSEMBLY_WORKERS", 32),
		MinFreeBytes:         getEnvInt64("MIN_FREE_BYTES", 1*humanize.GByte),

		RateLimitPerSecond: getEnvFloat("RATE_LIMIT_PER_SECOND", 1.0),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 20),

		RateLimitIdleHorizon: getEnvDuration("RATE_LIMIT_IDLE_HORIZON", 24*time.Hour),
	}

	return cfg, nil
}

// AbsoluteDownloadURL renders publicName as a fully-qualified, hotlinkable
// download URL against ProdHost (spec.md §1: "hotlink-friendly"), or "" if
// ProdHost is unset — callers fall back to the relative "f/<name>" path in
// that case.
func (c *Config) AbsoluteDownloadURL(publicName string) string {
	if c.ProdHost == "" {
		return ""
	}
	return "https://" + c.ProdHost + "/f/" + publicName
}

// DataDir is where JSON mirrors and chunk session descriptors live.
func (c *Config) DataDir() string { return c.StorageRoot + "/data" }

// BlobsDir is the content-addressed blob tree root.
func (c *Config) BlobsDir() string { return c.StorageRoot + "/blobs" }

// StagingDir holds in-progress blob writes (single-shot and chunk assembly).
func (c *Config) StagingDir() string { return c.StorageRoot + "/staging" }

// ChunksDir holds one subdirectory per open chunk session.
func (c *Config) ChunksDir() string { return c.DataDir() + "/chunks" }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// parseSize accepts either a human-readable size ("500MB") or a raw byte
// count ("524288000"), per spec.md §6's configuration surface.
func parseSize(raw string, fallback uint64) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func parseCIDRList(raw string) ([]*net.IPNet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []*net.IPNet
	for _, segment := range strings.Split(raw, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(segment)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", segment, err)
		}
		out = append(out, ipnet)
	}
	return out, nil
}
