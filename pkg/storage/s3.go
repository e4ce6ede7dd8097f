package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

const (
	// PrefixRecordings is the object prefix for audio artifacts.
	PrefixRecordings = "recordings"
	// PrefixTranscripts is the object prefix for derived transcript artifacts.
	PrefixTranscripts = "transcripts"
	// PrefixLogs is the object prefix for report artifacts.
	PrefixLogs = "logs"
)

// Config holds gateway configuration for an S3-compatible store.
type Config struct {
	Region          string
	Endpoint        string // non-empty for OCI and other S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PresignExpire   time.Duration
}

// s3API is the subset of the S3 client the gateway uses. Tests substitute a
// fake.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	ListBuckets(ctx context.Context, in *s3.ListBucketsInput, opts ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
}

type uploadAPI interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4PresignedRequest, error)
}

// v4PresignedRequest mirrors the fields of the SDK's presigned request that
// the gateway consumes.
type v4PresignedRequest struct {
	URL string
}

// presignAdapter wraps the SDK presign client behind presignAPI.
type presignAdapter struct {
	client *s3.PresignClient
}

func (a presignAdapter) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	req, err := a.client.PresignGetObject(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedRequest{URL: req.URL}, nil
}

// Gateway uploads, downloads and deletes artifacts in the remote bucket,
// resolving the current and legacy key layouts.
type Gateway struct {
	api       s3API
	uploader  uploadAPI
	presigner presignAPI
	bucket    string
	expire    time.Duration
	logger    *zap.Logger
}

// New creates a gateway against an S3-compatible endpoint. Path-style
// addressing is forced because OCI's S3 compatibility layer requires it.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket name is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	} else {
		logger.Warn("storage using default credential chain (OCI_ACCESS_KEY_ID/OCI_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
	})

	expire := cfg.PresignExpire
	if expire <= 0 {
		expire = time.Hour
	}
	logger.Info("storage gateway initialized",
		zap.String("region", cfg.Region), zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))

	return &Gateway{
		api:       client,
		uploader:  uploader,
		presigner: presignAdapter{client: s3.NewPresignClient(client)},
		bucket:    cfg.Bucket,
		expire:    expire,
		logger:    logger,
	}, nil
}

// CurrentKey returns the session-scoped object key for an artifact; without a
// session it falls back to the legacy flat layout.
func CurrentKey(fileName, sessionID string) string {
	if sessionID != "" {
		return path.Join(PrefixRecordings, sessionID, fileName)
	}
	return path.Join(PrefixRecordings, fileName)
}

// LegacyKey returns the flat pre-session object key kept for backward
// compatibility.
func LegacyKey(fileName string) string {
	return path.Join(PrefixRecordings, fileName)
}

// findKey probes the current layout first, then the legacy layout, and
// returns the key under which the artifact exists, or "" when absent.
// Existence is always re-probed; nothing is cached, so a stale cache can
// never drop an upload.
func (g *Gateway) findKey(ctx context.Context, fileName, sessionID string) (string, error) {
	candidates := []string{}
	if sessionID != "" {
		candidates = append(candidates, CurrentKey(fileName, sessionID))
	}
	candidates = append(candidates, LegacyKey(fileName))

	for _, key := range candidates {
		_, err := g.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(g.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return key, nil
		}
		if !isNotFound(err) {
			return "", fmt.Errorf("head %s: %w", key, err)
		}
	}
	return "", nil
}

// Exists reports whether the artifact is present under either layout.
func (g *Gateway) Exists(ctx context.Context, fileName, sessionID string) (bool, error) {
	key, err := g.findKey(ctx, fileName, sessionID)
	return key != "", err
}

// Upload backs up a local artifact. When the object already exists under
// either layout the upload is skipped and reported as success; an explicit
// key bypasses the existence probe (the caller asserts uniqueness).
// Returns the object key, or "" on failure.
func (g *Gateway) Upload(ctx context.Context, localPath, fileName, sessionID, explicitKey string) (string, error) {
	targetKey := explicitKey
	if explicitKey == "" {
		existing, err := g.findKey(ctx, fileName, sessionID)
		if err != nil {
			return "", err
		}
		if existing != "" {
			g.logger.Info("upload skipped, object already present", zap.String("key", existing))
			return existing, nil
		}
		targetKey = CurrentKey(fileName, sessionID)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local artifact %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = g.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(targetKey),
		Body:        f,
		ContentType: aws.String(contentTypeFor(fileName)),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", targetKey, err)
	}
	g.logger.Info("artifact backed up", zap.String("key", targetKey))
	return targetKey, nil
}

// Download restores an artifact to a local path, resolving the key across
// both layouts. Returns false when the object does not exist remotely.
func (g *Gateway) Download(ctx context.Context, fileName, localPath, sessionID string) (bool, error) {
	key, err := g.findKey(ctx, fileName, sessionID)
	if err != nil {
		return false, err
	}
	if key == "" {
		g.logger.Warn("artifact not found in object store", zap.String("file", fileName))
		return false, nil
	}

	out, err := g.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return false, fmt.Errorf("mkdir for %s: %w", localPath, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", localPath, err)
	}
	defer f.Close()
	if _, err := f.ReadFrom(out.Body); err != nil {
		return false, fmt.Errorf("write %s: %w", localPath, err)
	}
	g.logger.Info("artifact restored from object store", zap.String("key", key))
	return true, nil
}

// Delete removes an artifact under whichever layout it exists. Returns false
// when it was not present.
func (g *Gateway) Delete(ctx context.Context, fileName, sessionID string) (bool, error) {
	key, err := g.findKey(ctx, fileName, sessionID)
	if err != nil {
		return false, err
	}
	if key == "" {
		return false, nil
	}
	if _, err := g.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return true, nil
}

// Presign issues a time-limited download URL. keyOrName may be a full object
// key or a bare file name to resolve across layouts.
func (g *Gateway) Presign(ctx context.Context, keyOrName, sessionID string, ttl time.Duration) (string, error) {
	key := keyOrName
	if !strings.Contains(keyOrName, "/") {
		resolved, err := g.findKey(ctx, keyOrName, sessionID)
		if err != nil {
			return "", err
		}
		if resolved == "" {
			return "", fmt.Errorf("presign: object %s not found", keyOrName)
		}
		key = resolved
	}
	if ttl <= 0 {
		ttl = g.expire
	}
	req, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// DeleteRawArtifacts removes only the raw-format objects (by extension) under
// a session's prefix, preserving master mixes and transcripts. Returns the
// number of objects deleted.
func (g *Gateway) DeleteRawArtifacts(ctx context.Context, sessionID, rawExt string) (int, error) {
	prefix := PrefixRecordings + "/" + sessionID + "/"
	deleted := 0

	var token *string
	for {
		out, err := g.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(g.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return deleted, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil || !strings.HasSuffix(*obj.Key, rawExt) {
				continue
			}
			// OCI's batch delete needs Content-MD5, which trips the SDK;
			// single deletes are reliable.
			if _, err := g.api.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(g.bucket),
				Key:    obj.Key,
			}); err != nil {
				return deleted, fmt.Errorf("delete %s: %w", *obj.Key, err)
			}
			deleted++
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	g.logger.Info("raw artifacts deleted",
		zap.String("session_id", sessionID), zap.Int("count", deleted))
	return deleted, nil
}

// BucketUsage is one bucket's aggregate size.
type BucketUsage struct {
	Name  string `json:"name"`
	Bytes int64  `json:"bytes"`
}

// Usage is the aggregate measured across all buckets.
type Usage struct {
	TotalBytes int64         `json:"total_bytes"`
	Buckets    []BucketUsage `json:"buckets"`
}

// GB returns the total usage in gigabytes.
func (u Usage) GB() float64 {
	return float64(u.TotalBytes) / (1024 * 1024 * 1024)
}

// MeasureUsage sums object sizes across every bucket the credentials can
// list. Listing is the only accounting available on the S3 API, so this is
// deliberately paginated and on-demand.
func (g *Gateway) MeasureUsage(ctx context.Context) (Usage, error) {
	buckets, err := g.api.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return Usage{}, fmt.Errorf("list buckets: %w", err)
	}

	var usage Usage
	for _, b := range buckets.Buckets {
		if b.Name == nil {
			continue
		}
		var bytes int64
		var token *string
		for {
			out, err := g.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            b.Name,
				ContinuationToken: token,
			})
			if err != nil {
				return Usage{}, fmt.Errorf("list %s: %w", *b.Name, err)
			}
			for _, obj := range out.Contents {
				if obj.Size != nil {
					bytes += *obj.Size
				}
			}
			if out.NextContinuationToken == nil {
				break
			}
			token = out.NextContinuationToken
		}
		usage.TotalBytes += bytes
		usage.Buckets = append(usage.Buckets, BucketUsage{Name: *b.Name, Bytes: bytes})
	}
	return usage, nil
}

// RetentionCandidate is a session with a durable master artifact, the
// janitor's eviction unit. ProducedAt is the master's LastModified, the only
// recency signal available.
type RetentionCandidate struct {
	SessionID  string
	ProducedAt time.Time
}

// ListMasterArtifacts enumerates sessions holding a master artifact
// (key shaped recordings/{sessionID}/..., name ending in masterSuffix).
func (g *Gateway) ListMasterArtifacts(ctx context.Context, masterSuffix string) ([]RetentionCandidate, error) {
	var candidates []RetentionCandidate
	seen := map[string]bool{}

	var token *string
	for {
		out, err := g.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(g.bucket),
			Prefix:            aws.String(PrefixRecordings + "/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list masters: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil || !strings.HasSuffix(*obj.Key, masterSuffix) {
				continue
			}
			parts := strings.Split(*obj.Key, "/")
			if len(parts) < 3 {
				// Legacy flat key, no session to evict.
				continue
			}
			sessionID := parts[1]
			if seen[sessionID] || obj.LastModified == nil {
				continue
			}
			seen[sessionID] = true
			candidates = append(candidates, RetentionCandidate{
				SessionID:  sessionID,
				ProducedAt: *obj.LastModified,
			})
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return candidates, nil
}

// Wipe deletes every object under the recordings, transcripts and logs
// prefixes. Destructive; used only by the operator full purge.
func (g *Gateway) Wipe(ctx context.Context) (int, error) {
	total := 0
	for _, prefix := range []string{PrefixRecordings + "/", PrefixTranscripts + "/", PrefixLogs + "/"} {
		var token *string
		for {
			out, err := g.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(g.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
			if err != nil {
				return total, fmt.Errorf("list %s: %w", prefix, err)
			}
			for _, obj := range out.Contents {
				if obj.Key == nil {
					continue
				}
				if _, err := g.api.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(g.bucket),
					Key:    obj.Key,
				}); err != nil {
					return total, fmt.Errorf("delete %s: %w", *obj.Key, err)
				}
				total++
			}
			if out.NextContinuationToken == nil {
				break
			}
			token = out.NextContinuationToken
		}
	}
	g.logger.Info("bucket wiped", zap.Int("deleted", total))
	return total, nil
}

func contentTypeFor(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".ogg":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".json":
		return "application/json"
	default:
		return "audio/x-pcm"
	}
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nk *types.NoSuchKey
	if errors.As(err, &nk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}
