package storage

import (
	"context"
	"fmt"
	"time"
)

type ObjectSummary struct {
	Key          string
	Version      Version
	Size         int64
	LastModified time.Time
}

// Page is one batch of a prefix enumeration. ContinuationToken is only
// meaningful to the cursor that produced it.
type Page struct {
	Objects           []ObjectSummary
	Truncated         bool
	ContinuationToken string
}

func (p *Page) Keys() []string {
	keys := make([]string, 0, len(p.Objects))
	for _, obj := range p.Objects {
		keys = append(keys, obj.Key)
	}
	return keys
}

type ListOption func(*listOptions)

type listOptions struct {
	pageSize int32
}

// WithPageSize caps the number of keys per page. Zero leaves the service
// default in place.
func WithPageSize(n int32) ListOption {
	return func(o *listOptions) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

type pageFetcher func(ctx context.Context, prefix, token string, pageSize int32) (*Page, error)

// Cursor enumerates the keys under a prefix one page at a time. Pages are only
// fetched when NextPage is called. A cursor cannot be rewound; start a new one
// with List to enumerate again.
type Cursor struct {
	fetch    pageFetcher
	prefix   string
	pageSize int32
	token    string
	done     bool
}

func newCursor(fetch pageFetcher, prefix string, opts ...ListOption) *Cursor {
	var o listOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Cursor{
		fetch:    fetch,
		prefix:   prefix,
		pageSize: o.pageSize,
	}
}

func (c *Cursor) HasMorePages() bool {
	return !c.done
}

// NextPage fetches the next page. A failed fetch leaves the cursor where it
// was, so the call can be repeated. When the service repeats the previous
// continuation token the fetched page is returned along with
// ErrDuplicateContinuationToken and the cursor stops.
func (c *Cursor) NextPage(ctx context.Context) (*Page, error) {
	if c.done {
		return nil, ErrCursorExhausted
	}

	page, err := c.fetch(ctx, c.prefix, c.token, c.pageSize)
	if err != nil {
		return nil, err
	}

	if !page.Truncated || page.ContinuationToken == "" {
		c.done = true
		c.token = ""
		return page, nil
	}
	if page.ContinuationToken == c.token {
		c.done = true
		return page, fmt.Errorf("%w: prefix %q", ErrDuplicateContinuationToken, c.prefix)
	}
	c.token = page.ContinuationToken
	return page, nil
}

// Keys drains the remaining pages and returns their keys in listing order.
func (c *Cursor) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	for c.HasMorePages() {
		page, err := c.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		keys = append(keys, page.Keys()...)
	}
	return keys, nil
}
