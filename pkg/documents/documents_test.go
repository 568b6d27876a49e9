package documents

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects  map[string]time.Time
	pageSize int
	listErr  error
	deleted  []string
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := start + f.pageSize
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	} else {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(100),
			LastModified: aws.Time(f.objects[k]),
		})
	}
	return out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_CountAndListAcrossPages(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	fake := &fakeS3{pageSize: 2, objects: map[string]time.Time{
		"documents/u1/a": base,
		"documents/u1/b": base.Add(time.Hour),
		"documents/u1/c": base.Add(2 * time.Hour),
		"documents/u2/x": base,
	}}
	store := newS3Store(fake, "vault", "documents/")
	ctx := context.Background()

	n, err := store.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	docs, err := store.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "c", docs[0].ID)
	assert.Equal(t, "a", docs[2].ID)
	assert.Equal(t, "u1", docs[0].UserID)
}

func TestS3Store_Delete(t *testing.T) {
	fake := &fakeS3{pageSize: 10, objects: map[string]time.Time{"documents/u1/a": time.Now()}}
	store := newS3Store(fake, "vault", "documents/")
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx, "u1", "a"))
	assert.Equal(t, []string{"documents/u1/a"}, fake.deleted)

	assert.ErrorIs(t, store.Delete(ctx, "u1", "a"), ErrNotFound)
}

func TestS3Store_ListError(t *testing.T) {
	fake := &fakeS3{pageSize: 10, listErr: errors.New("access denied")}
	store := newS3Store(fake, "vault", "documents/")

	_, err := store.Count(context.Background(), "u1")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	m.Add(Document{ID: "old", UserID: "u1", CreatedAt: base})
	m.Add(Document{ID: "new", UserID: "u1", CreatedAt: base.Add(time.Hour)})

	n, _ := m.Count(ctx, "u1")
	assert.Equal(t, 2, n)

	docs, _ := m.List(ctx, "u1")
	assert.Equal(t, "new", docs[0].ID)

	require.NoError(t, m.Delete(ctx, "u1", "old"))
	assert.ErrorIs(t, m.Delete(ctx, "u1", "old"), ErrNotFound)
}
