package storage

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/blake2b"
)

const (
	localObjectsDir  = "objects"
	localMetadataDir = "meta"
	localPageSize    = 1000

	// Every key segment but the last becomes a directory named <segment>.d
	// and the last becomes a file named <segment>.obj, so key "p" and key
	// "p/x" never compete for the same path.
	localDirSuffix    = ".d"
	localObjectSuffix = ".obj"
	localMetaSuffix   = ".json"
)

// LocalClient implements ObjectStore on the local filesystem. It plays the
// role of the storage service: the mutex makes each conditional write an
// atomic compare-and-swap for every caller sharing the client.
type LocalClient struct {
	rootDir  string
	pageSize int32
	obs      instrument

	mu  sync.Mutex
	seq uint64
	now func() time.Time
}

type localMetadata struct {
	ContentType string `json:"content_type"`
	Version     string `json:"version"`
}

func NewLocalClient(rootDir string, opts ...Option) *LocalClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &LocalClient{
		rootDir:  rootDir,
		pageSize: o.pageSize,
		obs:      newInstrument(o, "local", attribute.String("s3store.root", rootDir)),
		now:      time.Now,
	}
}

func (c *LocalClient) CreateObject(ctx context.Context, key string, body []byte, contentType string) (result *PutResult, err error) {
	ctx, span := c.obs.start(ctx, "CreateObject", key)
	defer func() { c.obs.end(ctx, span, "CreateObject", key, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	objectPath, metaPath, err := c.paths(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := statObject(objectPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	} else if !os.IsNotExist(err) {
		return nil, &TransportError{Op: "put object", Key: key, Err: err}
	}
	return c.write(key, objectPath, metaPath, body, contentType)
}

func (c *LocalClient) UpdateObjectIfMatch(ctx context.Context, key string, body []byte, version Version, contentType string) (result *PutResult, err error) {
	ctx, span := c.obs.start(ctx, "UpdateObjectIfMatch", key)
	defer func() { c.obs.end(ctx, span, "UpdateObjectIfMatch", key, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	objectPath, metaPath, err := c.paths(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkVersion(key, objectPath, metaPath, version); err != nil {
		return nil, err
	}
	return c.write(key, objectPath, metaPath, body, contentType)
}

func (c *LocalClient) GetObject(ctx context.Context, key string) (resp *Response, err error) {
	ctx, span := c.obs.start(ctx, "GetObject", key)
	defer func() { c.obs.end(ctx, span, "GetObject", key, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	objectPath, metaPath, err := c.paths(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.read(key, objectPath, metaPath)
}

func (c *LocalClient) GetObjectIfMatch(ctx context.Context, key string, version Version) (resp *Response, err error) {
	ctx, span := c.obs.start(ctx, "GetObjectIfMatch", key)
	defer func() { c.obs.end(ctx, span, "GetObjectIfMatch", key, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	objectPath, metaPath, err := c.paths(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkVersion(key, objectPath, metaPath, version); err != nil {
		return nil, err
	}
	return c.read(key, objectPath, metaPath)
}

func (c *LocalClient) DeleteObjectIfMatch(ctx context.Context, key string, version Version) (err error) {
	ctx, span := c.obs.start(ctx, "DeleteObjectIfMatch", key)
	defer func() { c.obs.end(ctx, span, "DeleteObjectIfMatch", key, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	objectPath, metaPath, err := c.paths(key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkVersion(key, objectPath, metaPath, version); err != nil {
		return err
	}
	return c.remove(key, objectPath, metaPath)
}

func (c *LocalClient) DeleteObject(ctx context.Context, key string) (err error) {
	ctx, span := c.obs.start(ctx, "DeleteObject", key)
	defer func() { c.obs.end(ctx, span, "DeleteObject", key, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	objectPath, metaPath, err := c.paths(key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.remove(key, objectPath, metaPath)
}

func (c *LocalClient) List(prefix string, opts ...ListOption) *Cursor {
	return newCursor(c.listPage, prefix, append([]ListOption{WithPageSize(c.pageSize)}, opts...)...)
}

// listPage serves keys in lexical order. The continuation token encodes the
// last key returned, so keys deleted behind the cursor do not shift pages.
func (c *LocalClient) listPage(ctx context.Context, prefix, token string, pageSize int32) (page *Page, err error) {
	ctx, span := c.obs.start(ctx, "ListObjects", prefix)
	defer func() { c.obs.end(ctx, span, "ListObjects", prefix, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	after := ""
	if token != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			return nil, &TransportError{Op: "list objects", Key: prefix, Err: fmt.Errorf("malformed continuation token: %w", err)}
		}
		after = string(decoded)
	}
	limit := int(pageSize)
	if limit <= 0 {
		limit = localPageSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.keys(prefix)
	if err != nil {
		return nil, &TransportError{Op: "list objects", Key: prefix, Err: err}
	}
	start := sort.SearchStrings(keys, after)
	if start < len(keys) && keys[start] == after {
		start++
	}
	remaining := keys[start:]

	page = &Page{Objects: make([]ObjectSummary, 0, min(limit, len(remaining)))}
	for _, key := range remaining {
		if len(page.Objects) == limit {
			page.Truncated = true
			last := page.Objects[len(page.Objects)-1].Key
			page.ContinuationToken = base64.RawURLEncoding.EncodeToString([]byte(last))
			break
		}
		summary, err := c.summary(key)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, &TransportError{Op: "list objects", Key: prefix, Err: err}
		}
		page.Objects = append(page.Objects, summary)
	}
	span.SetAttributes(attribute.Int("s3store.page_keys", len(page.Objects)))
	return page, nil
}

func (c *LocalClient) keys(prefix string) ([]string, error) {
	root := filepath.Join(c.rootDir, localObjectsDir)
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	keys := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			if !strings.HasSuffix(d.Name(), localDirSuffix) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), localObjectSuffix) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := localKeyFromPath(filepath.ToSlash(rel))
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *LocalClient) summary(key string) (ObjectSummary, error) {
	objectPath, metaPath, err := c.paths(key)
	if err != nil {
		return ObjectSummary{}, err
	}
	info, err := statObject(objectPath)
	if err != nil {
		return ObjectSummary{}, err
	}
	meta, err := c.metadata(objectPath, metaPath)
	if err != nil {
		return ObjectSummary{}, err
	}
	return ObjectSummary{
		Key:          key,
		Version:      NewVersion(meta.Version),
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
	}, nil
}

// checkVersion must be called with c.mu held.
func (c *LocalClient) checkVersion(key, objectPath, metaPath string, version Version) error {
	if _, err := statObject(objectPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return &TransportError{Op: "head object", Key: key, Err: err}
	}
	meta, err := c.metadata(objectPath, metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return &TransportError{Op: "head object", Key: key, Err: err}
	}
	if version.IsZero() || meta.Version != version.String() {
		return fmt.Errorf("%w: %s", ErrPreconditionFailed, key)
	}
	return nil
}

// metadata reads the sidecar for an object. Objects placed on disk without a
// sidecar get a version derived from their content.
func (c *LocalClient) metadata(objectPath, metaPath string) (localMetadata, error) {
	data, err := os.ReadFile(metaPath)
	if err == nil {
		var meta localMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return localMetadata{}, fmt.Errorf("decode metadata %s: %w", metaPath, err)
		}
		return meta, nil
	}
	if !os.IsNotExist(err) {
		return localMetadata{}, err
	}

	body, err := os.ReadFile(objectPath)
	if err != nil {
		return localMetadata{}, err
	}
	sum := blake2b.Sum256(body)
	return localMetadata{
		ContentType: "application/octet-stream",
		Version:     quoteETag(sum[:16]),
	}, nil
}

func (c *LocalClient) read(key, objectPath, metaPath string) (*Response, error) {
	info, err := statObject(objectPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, &TransportError{Op: "get object", Key: key, Err: err}
	}
	body, err := os.ReadFile(objectPath)
	if err != nil {
		return nil, &TransportError{Op: "get object", Key: key, Err: err}
	}
	meta, err := c.metadata(objectPath, metaPath)
	if err != nil {
		return nil, &TransportError{Op: "get object", Key: key, Err: err}
	}
	return newResponse(key, NewVersion(meta.Version), meta.ContentType, info.ModTime().UTC(), nil, body), nil
}

// write must be called with c.mu held.
func (c *LocalClient) write(key, objectPath, metaPath string, body []byte, contentType string) (*PutResult, error) {
	version := c.nextVersion(body)
	meta, err := json.Marshal(localMetadata{
		ContentType: contentTypeOrDefault(contentType),
		Version:     version.String(),
	})
	if err != nil {
		return nil, &TransportError{Op: "put object", Key: key, Err: err}
	}

	for _, dir := range []string{filepath.Dir(objectPath), filepath.Dir(metaPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &TransportError{Op: "put object", Key: key, Err: err}
		}
	}
	if err := os.WriteFile(metaPath, meta, 0o600); err != nil {
		return nil, &TransportError{Op: "put object", Key: key, Err: err}
	}
	if err := os.WriteFile(objectPath, body, 0o600); err != nil {
		return nil, &TransportError{Op: "put object", Key: key, Err: err}
	}

	return &PutResult{
		Version: version,
		Raw:     &s3.PutObjectOutput{ETag: aws.String(version.String())},
	}, nil
}

// remove must be called with c.mu held. Directories left empty by the
// delete are removed up to the store root.
func (c *LocalClient) remove(key, objectPath, metaPath string) error {
	if _, err := statObject(objectPath); err == nil {
		if err := os.Remove(objectPath); err != nil && !os.IsNotExist(err) {
			return &TransportError{Op: "delete object", Key: key, Err: err}
		}
	}
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return &TransportError{Op: "delete object", Key: key, Err: err}
	}
	pruneEmptyDirs(filepath.Dir(objectPath), filepath.Join(c.rootDir, localObjectsDir))
	pruneEmptyDirs(filepath.Dir(metaPath), filepath.Join(c.rootDir, localMetadataDir))
	return nil
}

func pruneEmptyDirs(dir, stop string) {
	for strings.HasPrefix(dir, stop+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// statObject reports anything other than a regular file as absent.
func statObject(objectPath string) (fs.FileInfo, error) {
	info, err := os.Stat(objectPath)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, &fs.PathError{Op: "stat", Path: objectPath, Err: fs.ErrNotExist}
	}
	return info, nil
}

// nextVersion derives a fresh token from the body, the write time and a
// per-client sequence, so rewriting identical bytes still changes the version.
func (c *LocalClient) nextVersion(body []byte) Version {
	c.seq++
	var stamp [16]byte
	binary.BigEndian.PutUint64(stamp[:8], uint64(c.now().UnixNano()))
	binary.BigEndian.PutUint64(stamp[8:], c.seq)

	h, _ := blake2b.New256(nil)
	h.Write(body)
	h.Write(stamp[:])
	return NewVersion(quoteETag(h.Sum(nil)[:16]))
}

func (c *LocalClient) paths(key string) (string, string, error) {
	segments, err := localKeySegments(key)
	if err != nil {
		return "", "", err
	}
	last := len(segments) - 1
	dirs := make([]string, 0, last)
	for _, segment := range segments[:last] {
		dirs = append(dirs, segment+localDirSuffix)
	}
	dir := filepath.Join(dirs...)
	return filepath.Join(c.rootDir, localObjectsDir, dir, segments[last]+localObjectSuffix),
		filepath.Join(c.rootDir, localMetadataDir, dir, segments[last]+localMetaSuffix),
		nil
}

// localKeySegments splits a key into path segments. Keys must survive the
// round trip through the filesystem unchanged, so anything that cleaning
// would rewrite is rejected.
func localKeySegments(key string) ([]string, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(cleaned) || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %q escapes the store root", ErrInvalidKey, key)
	}
	if filepath.ToSlash(cleaned) != key {
		return nil, fmt.Errorf("%w: %q is not a canonical path", ErrInvalidKey, key)
	}
	return strings.Split(key, "/"), nil
}

// localKeyFromPath reverses paths for a slash-separated path relative to the
// objects directory.
func localKeyFromPath(rel string) string {
	segments := strings.Split(rel, "/")
	last := len(segments) - 1
	for i := range last {
		segments[i] = strings.TrimSuffix(segments[i], localDirSuffix)
	}
	segments[last] = strings.TrimSuffix(segments[last], localObjectSuffix)
	return strings.Join(segments, "/")
}

func quoteETag(sum []byte) string {
	return `"` + hex.EncodeToString(sum) + `"`
}

var _ ObjectStore = (*LocalClient)(nil)
var _ ObjectStore = (*S3Client)(nil)
var _ BatchDeleter = (*S3Client)(nil)
