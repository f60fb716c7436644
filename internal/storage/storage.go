// Package storage adapts the object storage collaborator (§6): streaming
// upload plus signed-URL issuance, across the four ArtifactDescriptor
// modes the spec names (cloud, local-compatible, filesystem, noop),
// modeled on the teacher's s3-backed collaborator style
// (aws-sdk-go-v2's manager.Uploader and presign client).
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lorenzovborges/reportsys/internal/apperr"
	"github.com/lorenzovborges/reportsys/internal/model"
)

// Downloader is the narrow surface the intake's download endpoint
// depends on, extracted so it can be exercised against a fake instead
// of a live S3/filesystem adapter.
type Downloader interface {
	SignDownload(ctx context.Context, artifact model.ArtifactDescriptor) (string, bool, error)
}

// Policy is how upload failures are handled (§6: "required" propagates
// and fails the job, "optional" drains the stream and returns a noop
// descriptor).
type Policy string

const (
	PolicyRequired Policy = "required"
	PolicyOptional Policy = "optional"
)

// Config configures a Storage adapter's backing client.
type Config struct {
	Bucket                string
	Region                string
	Endpoint              string
	AccessKeyID           string
	SecretAccessKey       string
	EnableExternalStorage bool
	Policy                Policy
	SignedURLTTL          time.Duration
	FilesystemDir         string // used when Endpoint/credentials are absent
}

// Meta carries request-scoped context the adapter records on the
// descriptor/logs but never needs to interpret.
type Meta struct {
	TenantID    string
	JobID       string
	Integration string
}

// Storage is the job processor's single upload/sign surface. It is
// constructed once at startup from Config and is safe for concurrent
// use across jobs.
type Storage struct {
	cfg    Config
	client *s3.Client
	mode   model.ArtifactMode // cloud or local-compatible, when an s3 client is configured
}

// New builds a Storage adapter. When EnableExternalStorage is false, no
// client is constructed; every Upload call short-circuits to noop.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	s := &Storage{cfg: cfg}
	if !cfg.EnableExternalStorage {
		return s, nil
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		// No bucket configured: fall back to the filesystem adapter
		// rather than failing startup outright.
		return s, nil
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	mode := model.ArtifactModeCloud
	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	if endpoint != "" {
		mode = model.ArtifactModeLocalCompatible
	}
	s.client = client
	s.mode = mode
	return s, nil
}

// Upload streams body into storage under key, tracking size and a
// SHA-256 checksum as bytes pass through regardless of which mode
// ultimately persists them. When EnableExternalStorage is false, mode
// is forced to noop and bytes are still drained so the generator and
// checksum accounting run end-to-end. On a required-policy failure the
// error propagates (and fails the job); on optional-policy failure the
// stream is drained, the error logged by the caller, and a noop
// descriptor with reason OPTIONAL_INTEGRATION_FAILURE is returned.
func (s *Storage) Upload(ctx context.Context, key, contentType string, body io.Reader, meta Meta) (model.ArtifactDescriptor, error) {
	counter := &countingReader{r: body, hash: sha256.New()}

	if !s.cfg.EnableExternalStorage {
		if _, err := io.Copy(io.Discard, counter); err != nil {
			return model.ArtifactDescriptor{}, err
		}
		return counter.descriptor(model.ArtifactModeNoop, model.ReasonExternalStorageDisabled, "", ""), nil
	}

	var (
		desc model.ArtifactDescriptor
		err  error
	)
	if s.client != nil {
		desc, err = s.uploadS3(ctx, key, contentType, counter)
	} else {
		desc, err = s.uploadFilesystem(key, counter)
	}
	if err == nil {
		return desc, nil
	}

	if s.cfg.Policy == PolicyRequired {
		return model.ArtifactDescriptor{}, apperr.Wrapf(apperr.ErrIntegrationRequiredFailure, "uploading artifact: %v", err)
	}

	// Optional policy: drain whatever remains of the stream so the
	// generator still runs to completion and size/checksum are valid,
	// then surface a noop descriptor instead of failing the job.
	if _, drainErr := io.Copy(io.Discard, counter); drainErr != nil {
		return model.ArtifactDescriptor{}, drainErr
	}
	return counter.descriptor(model.ArtifactModeNoop, model.ReasonOptionalIntegrationFail, "", ""), apperr.Wrapf(apperr.ErrIntegrationOptionalFailure, "optional storage integration failed: %v", err)
}

func (s *Storage) uploadS3(ctx context.Context, key, contentType string, body io.Reader) (model.ArtifactDescriptor, error) {
	uploader := manager.NewUploader(s.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return model.ArtifactDescriptor{}, err
	}
	cr := body.(*countingReader)
	return cr.descriptor(s.mode, "", s.cfg.Bucket, key), nil
}

func (s *Storage) uploadFilesystem(key string, body io.Reader) (model.ArtifactDescriptor, error) {
	path := filepath.Join(s.filesystemDir(), key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return model.ArtifactDescriptor{}, err
	}
	f, err := os.Create(path)
	if err != nil {
		return model.ArtifactDescriptor{}, err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return model.ArtifactDescriptor{}, err
	}
	if err := f.Close(); err != nil {
		return model.ArtifactDescriptor{}, err
	}
	cr := body.(*countingReader)
	return cr.descriptor(model.ArtifactModeFilesystem, "", "", key), nil
}

func (s *Storage) filesystemDir() string {
	if s.cfg.FilesystemDir != "" {
		return s.cfg.FilesystemDir
	}
	return "/tmp/reportsys-artifacts"
}

// SignDownload issues a time-limited signed URL for a previously
// uploaded artifact, or ("", false, nil) when the mode does not support
// signing (noop, or filesystem in this implementation).
func (s *Storage) SignDownload(ctx context.Context, artifact model.ArtifactDescriptor) (string, bool, error) {
	if !artifact.Available || artifact.Key == "" {
		return "", false, nil
	}
	switch artifact.Mode {
	case model.ArtifactModeCloud, model.ArtifactModeLocalCompatible:
		if s.client == nil {
			return "", false, nil
		}
		presigner := s3.NewPresignClient(s.client)
		ttl := s.cfg.SignedURLTTL
		if ttl <= 0 {
			ttl = 15 * time.Minute
		}
		out, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(artifact.Bucket),
			Key:    aws.String(artifact.Key),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return "", false, fmt.Errorf("presigning download url: %w", err)
		}
		return out.URL, true, nil
	default:
		return "", false, nil
	}
}

// countingReader wraps an io.Reader, tallying bytes read and folding
// them into a running SHA-256 as the job processor's single-pass tee
// described in §4.4 step 6.
type countingReader struct {
	r     io.Reader
	hash  hash.Hash
	bytes int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.bytes += int64(n)
		c.hash.Write(p[:n])
	}
	return n, err
}

func (c *countingReader) checksum() string {
	return hex.EncodeToString(c.hash.Sum(nil))
}

func (c *countingReader) descriptor(mode model.ArtifactMode, reason, bucket, key string) model.ArtifactDescriptor {
	return model.ArtifactDescriptor{
		Mode:      mode,
		Available: mode != model.ArtifactModeNoop,
		Reason:    reason,
		SizeBytes: c.bytes,
		Checksum:  c.checksum(),
		Bucket:    bucket,
		Key:       key,
	}
}
