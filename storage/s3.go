package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"

	appconfig "github.com/electric-coding-llc/s3store/config"
)

// maxDeleteBatch is the DeleteObjects per-request limit.
const maxDeleteBatch = 1000

// S3API is the subset of *s3.Client used by S3Client.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Client implements ObjectStore against an S3-compatible service. Every
// precondition is sent to the service as a request header; the client keeps
// no per-key state.
type S3Client struct {
	api               S3API
	bucket            string
	prefix            string
	conditionalDelete bool
	pageSize          int32
	obs               instrument
}

func NewS3Client(ctx context.Context, cfg appconfig.S3Config, opts ...Option) (*S3Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	prefix, err := normalizePrefix(cfg.Prefix)
	if err != nil {
		return nil, err
	}
	api, err := NewAWSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts = append([]Option{WithConditionalDelete(!cfg.DisableConditionalDelete)}, opts...)
	return newS3Client(api, bucket, prefix, opts...), nil
}

// NewAWSClient builds the SDK client described by cfg: region, optional
// static credentials, custom endpoint and addressing style.
func NewAWSClient(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		return nil, errors.New("s3 region is required")
	}
	endpoint, err := normalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewS3ClientWithAPI wraps an existing API client, e.g. a preconfigured
// *s3.Client or a test double. prefix namespaces every key inside the bucket.
func NewS3ClientWithAPI(api S3API, bucket, prefix string, opts ...Option) (*S3Client, error) {
	if api == nil {
		return nil, errors.New("s3 api client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	normalized, err := normalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	return newS3Client(api, bucket, normalized, opts...), nil
}

func newS3Client(api S3API, bucket, prefix string, opts ...Option) *S3Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &S3Client{
		api:               api,
		bucket:            bucket,
		prefix:            prefix,
		conditionalDelete: o.conditionalDelete,
		pageSize:          o.pageSize,
		obs: newInstrument(o, "s3",
			attribute.String("s3store.bucket", bucket),
			attribute.String("s3store.prefix", prefix),
		),
	}
}

func (c *S3Client) Bucket() string { return c.bucket }

func (c *S3Client) Prefix() string { return c.prefix }

func (c *S3Client) CreateObject(ctx context.Context, key string, body []byte, contentType string) (result *PutResult, err error) {
	ctx, span := c.obs.start(ctx, "CreateObject", key)
	defer func() { c.obs.end(ctx, span, "CreateObject", key, err) }()

	return c.put(ctx, key, body, contentType, func(in *s3.PutObjectInput) {
		in.IfNoneMatch = aws.String("*")
	}, ErrAlreadyExists)
}

func (c *S3Client) UpdateObjectIfMatch(ctx context.Context, key string, body []byte, version Version, contentType string) (result *PutResult, err error) {
	ctx, span := c.obs.start(ctx, "UpdateObjectIfMatch", key)
	defer func() { c.obs.end(ctx, span, "UpdateObjectIfMatch", key, err) }()

	if version.IsZero() {
		return nil, fmt.Errorf("%w: %s: empty version", ErrPreconditionFailed, key)
	}
	return c.put(ctx, key, body, contentType, func(in *s3.PutObjectInput) {
		in.IfMatch = aws.String(version.String())
	}, ErrPreconditionFailed)
}

func (c *S3Client) put(ctx context.Context, key string, body []byte, contentType string, precondition func(*s3.PutObjectInput), onPrecondition error) (*PutResult, error) {
	if c.api == nil {
		return nil, errors.New("s3 api client is not configured")
	}
	fullKey, err := c.objectKey(key)
	if err != nil {
		return nil, err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(fullKey),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentTypeOrDefault(contentType)),
	}
	precondition(input)

	out, err := c.api.PutObject(ctx, input)
	if err != nil {
		return nil, mapS3Error("put object", key, err, onPrecondition)
	}
	return &PutResult{
		Version: NewVersion(aws.ToString(out.ETag)),
		Raw:     out,
	}, nil
}

func (c *S3Client) GetObject(ctx context.Context, key string) (resp *Response, err error) {
	ctx, span := c.obs.start(ctx, "GetObject", key)
	defer func() { c.obs.end(ctx, span, "GetObject", key, err) }()

	return c.get(ctx, key, nil)
}

func (c *S3Client) GetObjectIfMatch(ctx context.Context, key string, version Version) (resp *Response, err error) {
	ctx, span := c.obs.start(ctx, "GetObjectIfMatch", key)
	defer func() { c.obs.end(ctx, span, "GetObjectIfMatch", key, err) }()

	if version.IsZero() {
		return nil, fmt.Errorf("%w: %s: empty version", ErrPreconditionFailed, key)
	}
	return c.get(ctx, key, aws.String(version.String()))
}

func (c *S3Client) get(ctx context.Context, key string, ifMatch *string) (*Response, error) {
	if c.api == nil {
		return nil, errors.New("s3 api client is not configured")
	}
	fullKey, err := c.objectKey(key)
	if err != nil {
		return nil, err
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket:  aws.String(c.bucket),
		Key:     aws.String(fullKey),
		IfMatch: ifMatch,
	})
	if err != nil {
		return nil, mapS3Error("get object", key, err, ErrPreconditionFailed)
	}

	var body []byte
	if out.Body != nil {
		defer out.Body.Close()
		body, err = io.ReadAll(out.Body)
		if err != nil {
			return nil, &TransportError{Op: "read object body", Key: key, Err: err}
		}
	}

	return newResponse(
		key,
		NewVersion(aws.ToString(out.ETag)),
		aws.ToString(out.ContentType),
		aws.ToTime(out.LastModified),
		out.Metadata,
		body,
	), nil
}

func (c *S3Client) DeleteObjectIfMatch(ctx context.Context, key string, version Version) (err error) {
	ctx, span := c.obs.start(ctx, "DeleteObjectIfMatch", key)
	defer func() { c.obs.end(ctx, span, "DeleteObjectIfMatch", key, err) }()

	if !c.conditionalDelete {
		return fmt.Errorf("%w: %s", ErrConditionalDeleteUnsupported, key)
	}
	if version.IsZero() {
		return fmt.Errorf("%w: %s: empty version", ErrPreconditionFailed, key)
	}
	return c.delete(ctx, key, aws.String(version.String()))
}

func (c *S3Client) DeleteObject(ctx context.Context, key string) (err error) {
	ctx, span := c.obs.start(ctx, "DeleteObject", key)
	defer func() { c.obs.end(ctx, span, "DeleteObject", key, err) }()

	return c.delete(ctx, key, nil)
}

func (c *S3Client) delete(ctx context.Context, key string, ifMatch *string) error {
	if c.api == nil {
		return errors.New("s3 api client is not configured")
	}
	fullKey, err := c.objectKey(key)
	if err != nil {
		return err
	}

	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(c.bucket),
		Key:     aws.String(fullKey),
		IfMatch: ifMatch,
	})
	if err != nil {
		return mapS3Error("delete object", key, err, ErrPreconditionFailed)
	}
	return nil
}

// DeleteObjects removes keys unconditionally in batches of up to 1000 and
// returns how many were deleted before the first failure.
func (c *S3Client) DeleteObjects(ctx context.Context, keys []string) (deleted int, err error) {
	ctx, span := c.obs.start(ctx, "DeleteObjects", "")
	span.SetAttributes(attribute.Int("s3store.keys", len(keys)))
	defer func() { c.obs.end(ctx, span, "DeleteObjects", "", err) }()

	if c.api == nil {
		return 0, errors.New("s3 api client is not configured")
	}

	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		batch := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			fullKey, err := c.objectKey(key)
			if err != nil {
				return deleted, err
			}
			batch = append(batch, types.ObjectIdentifier{Key: aws.String(fullKey)})
		}

		out, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &types.Delete{
				Objects: batch,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return deleted, &TransportError{Op: "delete objects", Err: err}
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			deleted += len(batch) - len(out.Errors)
			return deleted, &TransportError{
				Op:  "delete objects",
				Key: strings.TrimPrefix(aws.ToString(first.Key), c.prefix),
				Err: fmt.Errorf("%s: %s", aws.ToString(first.Code), aws.ToString(first.Message)),
			}
		}
		deleted += len(batch)
	}
	return deleted, nil
}

// List starts a cursor over the keys beginning with prefix. Keys in the pages
// are relative to the client's namespace prefix.
func (c *S3Client) List(prefix string, opts ...ListOption) *Cursor {
	return newCursor(c.listPage, prefix, append([]ListOption{WithPageSize(c.pageSize)}, opts...)...)
}

func (c *S3Client) listPage(ctx context.Context, prefix, token string, pageSize int32) (page *Page, err error) {
	ctx, span := c.obs.start(ctx, "ListObjects", prefix)
	defer func() { c.obs.end(ctx, span, "ListObjects", prefix, err) }()

	if c.api == nil {
		return nil, errors.New("s3 api client is not configured")
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.prefix + prefix),
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}
	if pageSize > 0 {
		input.MaxKeys = aws.Int32(pageSize)
	}

	out, err := c.api.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, &TransportError{Op: "list objects", Key: prefix, Err: err}
	}

	page = &Page{
		Objects:           make([]ObjectSummary, 0, len(out.Contents)),
		Truncated:         aws.ToBool(out.IsTruncated),
		ContinuationToken: aws.ToString(out.NextContinuationToken),
	}
	for _, obj := range out.Contents {
		if obj.Key == nil || !strings.HasPrefix(*obj.Key, c.prefix) {
			continue
		}
		key := strings.TrimPrefix(*obj.Key, c.prefix)
		if key == "" {
			continue
		}
		page.Objects = append(page.Objects, ObjectSummary{
			Key:          key,
			Version:      NewVersion(aws.ToString(obj.ETag)),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	span.SetAttributes(attribute.Int("s3store.page_keys", len(page.Objects)))
	return page, nil
}

// objectKey rejects only the empty key; S3 accepts any other UTF-8 name,
// including one made of spaces.
func (c *S3Client) objectKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	return c.prefix + key, nil
}

func normalizePrefix(prefix string) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(prefix, "\\", "/"))
	if trimmed == "" {
		return "", nil
	}
	if strings.HasPrefix(trimmed, "/") {
		return "", fmt.Errorf("s3 prefix %q must be relative", prefix)
	}

	parts := strings.Split(trimmed, "/")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("s3 prefix %q must not contain relative path segments", prefix)
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return "", nil
	}
	return strings.Join(kept, "/") + "/", nil
}

func normalizeEndpoint(endpoint string) (string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", nil
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("s3 endpoint %q must be a valid http(s) URL", endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("s3 endpoint %q must use http or https", endpoint)
	}
	return strings.TrimRight(trimmed, "/"), nil
}
