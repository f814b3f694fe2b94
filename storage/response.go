package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Response is the result of a read. The body is read from the service once,
// when the response is built, so every accessor can be called any number of
// times.
type Response struct {
	Key           string
	Version       Version
	ContentType   string
	ContentLength int64
	LastModified  time.Time
	Metadata      map[string]string

	body []byte
}

func newResponse(key string, version Version, contentType string, lastModified time.Time, metadata map[string]string, body []byte) *Response {
	if body == nil {
		body = []byte{}
	}
	return &Response{
		Key:           key,
		Version:       version,
		ContentType:   contentType,
		ContentLength: int64(len(body)),
		LastModified:  lastModified,
		Metadata:      metadata,
		body:          body,
	}
}

// Bytes returns a copy of the body.
func (r *Response) Bytes() []byte {
	return bytes.Clone(r.body)
}

func (r *Response) Text() string {
	return string(r.body)
}

// Reader returns a fresh reader positioned at the start of the body.
func (r *Response) Reader() io.Reader {
	return bytes.NewReader(r.body)
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrSerialization, r.Key, err)
	}
	return nil
}
