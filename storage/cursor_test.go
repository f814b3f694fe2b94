package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type pageStep struct {
	page *Page
	err  error
}

type fakePages struct {
	steps  []pageStep
	index  int
	tokens []string
	sizes  []int32
}

func (f *fakePages) fetch(_ context.Context, _ string, token string, pageSize int32) (*Page, error) {
	f.tokens = append(f.tokens, token)
	f.sizes = append(f.sizes, pageSize)
	if f.index >= len(f.steps) {
		return nil, errors.New("no more pages")
	}
	step := f.steps[f.index]
	f.index++
	return step.page, step.err
}

func summaries(keys ...string) []ObjectSummary {
	out := make([]ObjectSummary, 0, len(keys))
	for _, key := range keys {
		out = append(out, ObjectSummary{Key: key, Version: NewVersion(`"` + key + `"`)})
	}
	return out
}

func TestCursorFollowsContinuationTokens(t *testing.T) {
	pages := &fakePages{steps: []pageStep{
		{page: &Page{Objects: summaries("a", "b"), Truncated: true, ContinuationToken: "t1"}},
		{page: &Page{Objects: summaries("c"), Truncated: true, ContinuationToken: "t2"}},
		{page: &Page{Objects: summaries("d")}},
	}}
	cursor := newCursor(pages.fetch, "p/", WithPageSize(2))

	keys, err := cursor.Keys(context.Background())
	if err != nil {
		t.Fatalf("drain cursor: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"a", "b", "c", "d"}) {
		t.Fatalf("keys mismatch: got %v", keys)
	}
	if !reflect.DeepEqual(pages.tokens, []string{"", "t1", "t2"}) {
		t.Fatalf("tokens mismatch: got %v", pages.tokens)
	}
	if !reflect.DeepEqual(pages.sizes, []int32{2, 2, 2}) {
		t.Fatalf("page sizes mismatch: got %v", pages.sizes)
	}
	if cursor.HasMorePages() {
		t.Fatal("expected cursor to be exhausted")
	}
	if _, err := cursor.NextPage(context.Background()); !errors.Is(err, ErrCursorExhausted) {
		t.Fatalf("expected exhausted error, got: %v", err)
	}
}

func TestCursorEmptyListing(t *testing.T) {
	pages := &fakePages{steps: []pageStep{{page: &Page{}}}}
	cursor := newCursor(pages.fetch, "")

	page, err := cursor.NextPage(context.Background())
	if err != nil {
		t.Fatalf("next page: %v", err)
	}
	if len(page.Objects) != 0 {
		t.Fatalf("expected empty page, got %v", page.Keys())
	}
	if cursor.HasMorePages() {
		t.Fatal("expected single empty page to end the listing")
	}
}

func TestCursorTruncatedWithoutTokenEnds(t *testing.T) {
	pages := &fakePages{steps: []pageStep{
		{page: &Page{Objects: summaries("a"), Truncated: true}},
	}}
	cursor := newCursor(pages.fetch, "")

	if _, err := cursor.NextPage(context.Background()); err != nil {
		t.Fatalf("next page: %v", err)
	}
	if cursor.HasMorePages() {
		t.Fatal("expected a truncated page without token to end the listing")
	}
}

func TestCursorDuplicateTokenStops(t *testing.T) {
	pages := &fakePages{steps: []pageStep{
		{page: &Page{Objects: summaries("a"), Truncated: true, ContinuationToken: "same"}},
		{page: &Page{Objects: summaries("b"), Truncated: true, ContinuationToken: "same"}},
	}}
	cursor := newCursor(pages.fetch, "p/")

	if _, err := cursor.NextPage(context.Background()); err != nil {
		t.Fatalf("first page: %v", err)
	}
	page, err := cursor.NextPage(context.Background())
	if !errors.Is(err, ErrDuplicateContinuationToken) {
		t.Fatalf("expected duplicate token error, got: %v", err)
	}
	if page == nil || !reflect.DeepEqual(page.Keys(), []string{"b"}) {
		t.Fatalf("expected the fetched page alongside the error, got: %v", page)
	}
	if cursor.HasMorePages() {
		t.Fatal("expected cursor to stop after a repeated token")
	}
}

func TestCursorRetriesAfterFailure(t *testing.T) {
	pages := &fakePages{steps: []pageStep{
		{page: &Page{Objects: summaries("a"), Truncated: true, ContinuationToken: "t1"}},
		{err: errors.New("boom")},
		{page: &Page{Objects: summaries("b")}},
	}}
	cursor := newCursor(pages.fetch, "")
	ctx := context.Background()

	if _, err := cursor.NextPage(ctx); err != nil {
		t.Fatalf("first page: %v", err)
	}
	if _, err := cursor.NextPage(ctx); err == nil {
		t.Fatal("expected fetch error")
	}
	if !cursor.HasMorePages() {
		t.Fatal("failed fetch must not end the cursor")
	}
	page, err := cursor.NextPage(ctx)
	if err != nil {
		t.Fatalf("retry page: %v", err)
	}
	if !reflect.DeepEqual(page.Keys(), []string{"b"}) {
		t.Fatalf("retry keys mismatch: got %v", page.Keys())
	}
	if !reflect.DeepEqual(pages.tokens, []string{"", "t1", "t1"}) {
		t.Fatalf("retry must reuse the token: got %v", pages.tokens)
	}
}

func TestCursorKeysStopsOnError(t *testing.T) {
	pages := &fakePages{steps: []pageStep{
		{page: &Page{Objects: summaries("a"), Truncated: true, ContinuationToken: "t1"}},
		{err: errors.New("boom")},
	}}

	if _, err := newCursor(pages.fetch, "").Keys(context.Background()); err == nil {
		t.Fatal("expected drain error")
	}
}

func TestWithPageSizeIgnoresNonPositive(t *testing.T) {
	pages := &fakePages{steps: []pageStep{{page: &Page{}}}}
	cursor := newCursor(pages.fetch, "", WithPageSize(0), WithPageSize(-3))
	if _, err := cursor.NextPage(context.Background()); err != nil {
		t.Fatalf("next page: %v", err)
	}
	if pages.sizes[0] != 0 {
		t.Fatalf("expected default page size, got %d", pages.sizes[0])
	}
}
