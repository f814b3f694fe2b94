package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// MemS3 is an in-memory S3 API double that evaluates If-Match and
// If-None-Match the way S3 does: PreconditionFailed on a mismatch, NoSuchKey
// when a conditional request targets a missing key.
type MemS3 struct {
	// Hook, when set, runs before every call. A non-nil error is returned
	// to the caller instead of executing the call.
	Hook func(op, key string) error

	// IgnoreDeleteIfMatch makes DeleteObject drop If-Match, like services
	// that do not support conditional deletes.
	IgnoreDeleteIfMatch bool

	mu      sync.Mutex
	objects map[string]memObject
	calls   map[string]int
	now     func() time.Time
}

type memObject struct {
	body         []byte
	etag         string
	contentType  string
	lastModified time.Time
}

func NewMemS3() *MemS3 {
	return &MemS3{
		objects: make(map[string]memObject),
		calls:   make(map[string]int),
		now:     time.Now,
	}
}

// Calls reports how many times op was invoked.
func (m *MemS3) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Keys returns every stored key, including any namespace prefix.
func (m *MemS3) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedKeys("")
}

// Put stores body under key without any precondition.
func (m *MemS3) Put(key string, body []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store(key, body, "application/octet-stream")
}

func (m *MemS3) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	if err := m.begin(ctx, "PutObject", key); err != nil {
		return nil, err
	}

	var body []byte
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		body = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.objects[key]
	if params.IfNoneMatch != nil && exists {
		return nil, preconditionFailed()
	}
	if params.IfMatch != nil {
		if !exists {
			return nil, noSuchKey()
		}
		if aws.ToString(params.IfMatch) != current.etag {
			return nil, preconditionFailed()
		}
	}

	etag := m.store(key, body, aws.ToString(params.ContentType))
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (m *MemS3) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)
	if err := m.begin(ctx, "GetObject", key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, exists := m.objects[key]
	if !exists {
		return nil, noSuchKey()
	}
	if params.IfMatch != nil && aws.ToString(params.IfMatch) != obj.etag {
		return nil, preconditionFailed()
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(bytes.Clone(obj.body))),
		ContentLength: aws.Int64(int64(len(obj.body))),
		ContentType:   aws.String(obj.contentType),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(obj.lastModified),
	}, nil
}

func (m *MemS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(params.Key)
	if err := m.begin(ctx, "DeleteObject", key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, exists := m.objects[key]
	if params.IfMatch != nil && !m.IgnoreDeleteIfMatch {
		if !exists {
			return nil, noSuchKey()
		}
		if aws.ToString(params.IfMatch) != obj.etag {
			return nil, preconditionFailed()
		}
	}
	delete(m.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *MemS3) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	if err := m.begin(ctx, "DeleteObjects", ""); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := &s3.DeleteObjectsOutput{}
	if params.Delete == nil {
		return out, nil
	}
	for _, id := range params.Delete.Objects {
		key := aws.ToString(id.Key)
		delete(m.objects, key)
		if !aws.ToBool(params.Delete.Quiet) {
			out.Deleted = append(out.Deleted, types.DeletedObject{Key: aws.String(key)})
		}
	}
	return out, nil
}

// ListObjectsV2 pages through keys in lexical order. The continuation token
// is the last key of the previous page, base64 encoded.
func (m *MemS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	if err := m.begin(ctx, "ListObjectsV2", prefix); err != nil {
		return nil, err
	}

	after := ""
	if token := aws.ToString(params.ContinuationToken); token != "" {
		decoded, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			return nil, &smithy.GenericAPIError{Code: "InvalidArgument", Message: "The continuation token provided is incorrect"}
		}
		after = string(decoded)
	}
	limit := int(aws.ToInt32(params.MaxKeys))
	if limit <= 0 {
		limit = 1000
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.sortedKeys(prefix)
	start := sort.SearchStrings(keys, after)
	if start < len(keys) && keys[start] == after {
		start++
	}
	keys = keys[start:]

	out := &s3.ListObjectsV2Output{
		Name:   params.Bucket,
		Prefix: params.Prefix,
	}
	if len(keys) > limit {
		keys = keys[:limit]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(base64.StdEncoding.EncodeToString([]byte(keys[len(keys)-1])))
	} else {
		out.IsTruncated = aws.Bool(false)
	}
	for _, key := range keys {
		obj := m.objects[key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			ETag:         aws.String(obj.etag),
			Size:         aws.Int64(int64(len(obj.body))),
			LastModified: aws.Time(obj.lastModified),
		})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}

func (m *MemS3) begin(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.calls[op]++
	hook := m.Hook
	m.mu.Unlock()
	if hook != nil {
		return hook(op, key)
	}
	return nil
}

// store must be called with m.mu held.
func (m *MemS3) store(key string, body []byte, contentType string) string {
	sum := md5.Sum(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	m.objects[key] = memObject{
		body:         bytes.Clone(body),
		etag:         etag,
		contentType:  contentType,
		lastModified: m.now().UTC(),
	}
	return etag
}

// sortedKeys must be called with m.mu held.
func (m *MemS3) sortedKeys(prefix string) []string {
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func preconditionFailed() error {
	return &smithy.GenericAPIError{
		Code:    "PreconditionFailed",
		Message: "At least one of the pre-conditions you specified did not hold",
	}
}

func noSuchKey() error {
	return &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
}
