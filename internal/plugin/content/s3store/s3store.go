package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/charmbracelet/log"
	"github.com/moodlog/conversation-store/internal/config"
	registrycontent "github.com/moodlog/conversation-store/internal/registry/content"
	registrymigrate "github.com/moodlog/conversation-store/internal/registry/migrate"
)

func init() {
	registrycontent.Register(registrycontent.Plugin{
		Name:   "s3",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: &bucketMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registrycontent.ContentStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3store: --s3-bucket is required")
	}
	client, _, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(client, cfg.S3Bucket, cfg.ResolvedS3Prefix(), cfg.ContentStoreTimeout), nil
}

func newClient(ctx context.Context, cfg *config.Config) (*s3.Client, string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		return nil, "", fmt.Errorf("s3store: load AWS config: %w", err)
	}
	usePathStyle := cfg.S3UsePathStyle
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
	return client, awsCfg.Region, nil
}

// bucketMigrator creates the content bucket when it does not exist yet.
type bucketMigrator struct{}

func (m *bucketMigrator) Name() string { return "s3-content-bucket" }
func (m *bucketMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.ContentStoreType != "s3" || !cfg.DatastoreMigrateAtStart || cfg.S3Bucket == "" {
		return nil
	}
	client, region, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.S3Bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		if cfg.MigrationsRequired {
			return fmt.Errorf("s3store: check bucket %s: %w", cfg.S3Bucket, err)
		}
		log.Warn("Skipping content bucket check, S3 unreachable", "bucket", cfg.S3Bucket, "err", err)
		return nil
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(cfg.S3Bucket)}
	// us-east-1 rejects an explicit location constraint.
	if region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if _, err := client.CreateBucket(ctx, in); err != nil {
		return fmt.Errorf("s3store: create bucket %s: %w", cfg.S3Bucket, err)
	}
	log.Info("Created content bucket", "bucket", cfg.S3Bucket, "region", region)
	return nil
}

const (
	metaName = "pin-name"
	metaTags = "pin-tags"
)

// S3ContentStore keeps content-addressed blobs in a bucket. The handle is the
// hex SHA-256 of the payload. Each blob has a zero-length marker under its
// owner's prefix so an owner's pins can be listed without scanning the bucket.
type S3ContentStore struct {
	client  *s3.Client
	bucket  string
	prefix  string
	timeout time.Duration
}

// New returns a store over bucket. Keys are rooted at prefix when non-empty.
func New(client *s3.Client, bucket, prefix string, timeout time.Duration) *S3ContentStore {
	return &S3ContentStore{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		timeout: timeout,
	}
}

func (s *S3ContentStore) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (s *S3ContentStore) blobKey(handle string) string { return s.key("blobs", handle) }

func (s *S3ContentStore) ownerPrefix(ownerID string) string {
	return s.key("owners", hex.EncodeToString([]byte(ownerID))) + "/"
}

func (s *S3ContentStore) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// validHandle rejects anything that is not a hex SHA-256, so a handle can
// never address a key outside the blob prefix.
func validHandle(handle string) bool {
	if len(handle) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(handle)
	return err == nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return true
		}
	}
	return false
}

func encodeTags(tags map[string]string) (string, error) {
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	// Object metadata is ASCII-only and case-folded; keep the tag map opaque.
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeTags(meta map[string]string) map[string]string {
	tags := map[string]string{}
	raw, err := base64.RawURLEncoding.DecodeString(meta[metaTags])
	if err != nil {
		return tags
	}
	_ = json.Unmarshal(raw, &tags)
	return tags
}

func (s *S3ContentStore) Store(ctx context.Context, name string, payload []byte, tags map[string]string) (*registrycontent.Pin, error) {
	owner := tags[registrycontent.TagOwnerID]
	if owner == "" {
		return nil, fmt.Errorf("s3store: %s tag is required", registrycontent.TagOwnerID)
	}
	sum := sha256.Sum256(payload)
	handle := hex.EncodeToString(sum[:])
	encoded, err := encodeTags(tags)
	if err != nil {
		return nil, fmt.Errorf("s3store: encode tags: %w", err)
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	blobKey := s.blobKey(handle)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &blobKey,
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			metaName: base64.RawURLEncoding.EncodeToString([]byte(name)),
			metaTags: encoded,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: put blob: %w", err)
	}

	markerKey := s.ownerPrefix(owner) + handle
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &markerKey,
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: put owner marker: %w", err)
	}

	return &registrycontent.Pin{Handle: handle, Tags: tags, PinnedAt: time.Now().UTC()}, nil
}

func (s *S3ContentStore) Fetch(ctx context.Context, handle string) ([]byte, error) {
	if !validHandle(handle) {
		return nil, nil
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	key := s.blobKey(handle)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3store: get blob: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("s3store: read blob: %w", err)
	}
	return data, nil
}

func (s *S3ContentStore) head(ctx context.Context, handle string) (*s3.HeadObjectOutput, error) {
	key := s.blobKey(handle)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3store: head blob: %w", err)
	}
	return out, nil
}

func (s *S3ContentStore) Unpin(ctx context.Context, handle string) error {
	if !validHandle(handle) {
		return nil
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	out, err := s.head(ctx, handle)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if owner := decodeTags(out.Metadata)[registrycontent.TagOwnerID]; owner != "" {
		markerKey := s.ownerPrefix(owner) + handle
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &markerKey}); err != nil {
			return fmt.Errorf("s3store: delete owner marker: %w", err)
		}
	}
	blobKey := s.blobKey(handle)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &blobKey}); err != nil {
		return fmt.Errorf("s3store: delete blob: %w", err)
	}
	return nil
}

func (s *S3ContentStore) ListByOwner(ctx context.Context, ownerID string) ([]registrycontent.Pin, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	prefix := s.ownerPrefix(ownerID)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})

	var pins []registrycontent.Pin
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3store: list owner markers: %w", err)
		}
		for _, obj := range page.Contents {
			handle := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if !validHandle(handle) {
				continue
			}
			out, err := s.head(ctx, handle)
			if err != nil {
				return nil, err
			}
			if out == nil {
				log.Debug("Skipping owner marker without blob", "handle", handle)
				continue
			}
			tags := decodeTags(out.Metadata)
			if tags[registrycontent.TagOwnerID] != ownerID {
				continue
			}
			pins = append(pins, registrycontent.Pin{
				Handle:   handle,
				Tags:     tags,
				PinnedAt: aws.ToTime(out.LastModified).UTC(),
			})
		}
	}
	return pins, nil
}

var _ registrycontent.ContentStore = (*S3ContentStore)(nil)
