// Package config reads the server and client settings from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/client/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/server/validation"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

// Environment variables read by LoadServer and LoadClient.
const (
	UploadDirKey      = "UPLOAD_DIR"
	AddrKey           = "UPLOAD_ADDR"
	PublicBaseURLKey  = "UPLOAD_PUBLIC_BASE_URL"
	ChunkOutputExtKey = "UPLOAD_CHUNK_OUTPUT_EXT"
	MaxImageSizeKey   = "UPLOAD_MAX_IMAGE_SIZE"
	MaxVideoSizeKey   = "UPLOAD_MAX_VIDEO_SIZE"
	MaxChunkSizeKey   = "UPLOAD_MAX_CHUNK_SIZE"
	MaxBatchSizeKey   = "UPLOAD_MAX_BATCH_SIZE"
	StaleAfterKey     = "UPLOAD_STALE_AFTER"
	S3BucketKey       = "UPLOAD_S3_BUCKET"
	S3RegionKey       = "UPLOAD_S3_REGION"
	S3PrefixKey       = "UPLOAD_S3_PREFIX"
	AWSAccessKeyIDKey = "AWS_ACCESS_KEY_ID"
	AWSSecretKeyKey   = "AWS_SECRET_ACCESS_KEY"
	VerboseKey        = "UPLOAD_VERBOSE"
	APIURLKey         = "UPLOAD_API_URL"
	ChunkSizeKey      = "UPLOAD_CHUNK_SIZE"
	TransferBufferKey = "UPLOAD_TRANSFER_BUFFER"
	HTTPRetriesKey    = "UPLOAD_HTTP_RETRIES"
	AnalyticsKey      = "UPLOAD_ANALYTICS"
)

const (
	defaultAddr       = ":8087"
	defaultAPIURL     = "http://localhost:8087"
	defaultMaxChunk   = 16 * units.MiB
	defaultMaxBatch   = units.GiB
	defaultStaleAfter = 24 * time.Hour
)

// Secret is a string that is never printed.
type Secret string

// String masks the value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// S3Config enables artifact mirroring when Bucket is set.
type S3Config struct {
	Bucket             string
	Region             string
	Prefix             string
	AWSAccessKeyID     Secret
	AWSSecretAccessKey Secret
}

// Enabled reports whether a bucket was configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Server holds the settings of the upload server.
type Server struct {
	UploadDir      string
	Addr           string
	PublicBaseURL  string
	ChunkOutputExt string
	Rules          validation.Rules
	MaxChunkSize   int64
	MaxBatchSize   int64
	StaleAfter     time.Duration
	S3             S3Config
	Verbose        bool
}

// Client holds the settings of the upload client.
type Client struct {
	APIURL      string
	Chunks      chunkuploader.Config
	HTTPRetries int
	Analytics   bool
	Verbose     bool
}

// LoadServer validates the server environment and applies defaults.
func LoadServer(envRepo env.Repository) (Server, error) {
	uploadDir := strings.TrimSpace(envRepo.Get(UploadDirKey))
	if uploadDir == "" {
		return Server{}, fmt.Errorf("the variable '%s' is not defined", UploadDirKey)
	}
	absDir, err := pathutil.NewPathModifier().AbsPath(uploadDir)
	if err != nil {
		return Server{}, fmt.Errorf("resolve %s: %w", UploadDirKey, err)
	}
	exists, err := pathutil.NewPathChecker().IsPathExists(absDir)
	if err != nil {
		return Server{}, fmt.Errorf("check %s: %w", UploadDirKey, err)
	}
	if exists {
		isDir, err := pathutil.NewPathChecker().IsDirExists(absDir)
		if err != nil {
			return Server{}, fmt.Errorf("check %s: %w", UploadDirKey, err)
		}
		if !isDir {
			return Server{}, fmt.Errorf("%s (%s) is not a directory", UploadDirKey, absDir)
		}
	}

	rules := validation.DefaultRules()
	if rules.MaxImageSize, err = sizeOr(envRepo, MaxImageSizeKey, rules.MaxImageSize); err != nil {
		return Server{}, err
	}
	if rules.MaxVideoSize, err = sizeOr(envRepo, MaxVideoSizeKey, rules.MaxVideoSize); err != nil {
		return Server{}, err
	}
	maxChunk, err := sizeOr(envRepo, MaxChunkSizeKey, defaultMaxChunk)
	if err != nil {
		return Server{}, err
	}
	maxBatch, err := sizeOr(envRepo, MaxBatchSizeKey, defaultMaxBatch)
	if err != nil {
		return Server{}, err
	}

	staleAfter := defaultStaleAfter
	if raw := strings.TrimSpace(envRepo.Get(StaleAfterKey)); raw != "" {
		staleAfter, err = time.ParseDuration(raw)
		if err != nil || staleAfter <= 0 {
			return Server{}, fmt.Errorf("%s should be a positive duration, got %q", StaleAfterKey, raw)
		}
	}

	ext := strings.TrimSpace(envRepo.Get(ChunkOutputExtKey))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if strings.ContainsAny(ext, "/\\") {
		return Server{}, fmt.Errorf("%s should be a file extension, got %q", ChunkOutputExtKey, ext)
	}

	verbose, err := boolOr(envRepo, VerboseKey, false)
	if err != nil {
		return Server{}, err
	}

	s3 := S3Config{
		Bucket:             strings.TrimSpace(envRepo.Get(S3BucketKey)),
		Region:             strings.TrimSpace(envRepo.Get(S3RegionKey)),
		Prefix:             envRepo.Get(S3PrefixKey),
		AWSAccessKeyID:     Secret(envRepo.Get(AWSAccessKeyIDKey)),
		AWSSecretAccessKey: Secret(envRepo.Get(AWSSecretKeyKey)),
	}
	if s3.Enabled() && s3.Region == "" {
		return Server{}, fmt.Errorf("the variable '%s' is required when '%s' is set", S3RegionKey, S3BucketKey)
	}

	addr := strings.TrimSpace(envRepo.Get(AddrKey))
	if addr == "" {
		addr = defaultAddr
	}

	return Server{
		UploadDir:      absDir,
		Addr:           addr,
		PublicBaseURL:  strings.TrimSpace(envRepo.Get(PublicBaseURLKey)),
		ChunkOutputExt: ext,
		Rules:          rules,
		MaxChunkSize:   maxChunk,
		MaxBatchSize:   maxBatch,
		StaleAfter:     staleAfter,
		S3:             s3,
		Verbose:        verbose,
	}, nil
}

// LoadClient validates the client environment and applies defaults.
func LoadClient(envRepo env.Repository) (Client, error) {
	apiURL := strings.TrimSuffix(strings.TrimSpace(envRepo.Get(APIURLKey)), "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if !strings.HasPrefix(apiURL, "http://") && !strings.HasPrefix(apiURL, "https://") {
		return Client{}, fmt.Errorf("%s should be an http(s) URL, got %q", APIURLKey, apiURL)
	}

	chunks := chunkuploader.DefaultConfig()
	var err error
	if chunks.ChunkSize, err = sizeOr(envRepo, ChunkSizeKey, chunks.ChunkSize); err != nil {
		return Client{}, err
	}
	transferBuffer, err := sizeOr(envRepo, TransferBufferKey, int64(chunks.TransferBufferSize))
	if err != nil {
		return Client{}, err
	}
	chunks.TransferBufferSize = int(transferBuffer)

	retries := 0
	if raw := strings.TrimSpace(envRepo.Get(HTTPRetriesKey)); raw != "" {
		retries, err = strconv.Atoi(raw)
		if err != nil || retries < 0 {
			return Client{}, fmt.Errorf("%s should be a non-negative integer, got %q", HTTPRetriesKey, raw)
		}
	}

	analytics, err := boolOr(envRepo, AnalyticsKey, false)
	if err != nil {
		return Client{}, err
	}
	verbose, err := boolOr(envRepo, VerboseKey, false)
	if err != nil {
		return Client{}, err
	}

	return Client{
		APIURL:      apiURL,
		Chunks:      chunks,
		HTTPRetries: retries,
		Analytics:   analytics,
		Verbose:     verbose,
	}, nil
}

// sizeOr parses a human readable byte size such as 2KiB or 512MB.
func sizeOr(envRepo env.Repository, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(envRepo.Get(key))
	if raw == "" {
		return fallback, nil
	}

	size, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%s should be positive, got %q", key, raw)
	}
	return size, nil
}

func boolOr(envRepo env.Repository, key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(envRepo.Get(key))
	if raw == "" {
		return fallback, nil
	}

	switch strings.ToLower(raw) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s should be a boolean, got %q", key, raw)
	}
	return value, nil
}
