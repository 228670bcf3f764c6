package source

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

const sample = "State Code,County Code,Tract Code,Tract Income Level\n" +
	"06,037,101110,Low\n" +
	"06,037,101120,Middle\n" +
	"06,037,101210,Moderate\n" +
	"06,037,101220,Upper\n" +
	"06,037,101300,Low\n"

func TestParseCountsRowsWithoutHeader(t *testing.T) {
	ds, err := Parse([]byte(sample), ParseOptions{})
	require.NoError(t, err)
	require.Equal(t, 5, ds.Len())

	ds, err = Parse([]byte("State Code,County Code\n"), ParseOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, ds.Len())

	_, err = Parse(nil, ParseOptions{})
	require.Error(t, err)
}

func TestSliceChunkBoundaries(t *testing.T) {
	ds, err := Parse([]byte(sample), ParseOptions{})
	require.NoError(t, err)

	first := ds.Slice(0, 2, ds.Len())
	require.Len(t, first, 2)
	require.Equal(t, 1, first[0].Number)
	require.Equal(t, "101110", first[0].Get("Tract Code"))

	last := ds.Slice(2, 2, ds.Len())
	require.Len(t, last, 1)
	require.Equal(t, 5, last[0].Number)
	require.Equal(t, "101300", last[0].Get("tract code"))

	require.Empty(t, ds.Slice(3, 2, ds.Len()))
	require.Len(t, ds.Slice(0, 10, 3), 3, "clipped to limit")
	require.Empty(t, ds.Slice(-1, 2, 5))
}

func TestHeaderDrivenColumns(t *testing.T) {
	reordered := "\xef\xbb\xbfTract Income Level|Tract Code|County Code|State Code\n" +
		"Moderate|101110|037|06\n"
	ds, err := Parse([]byte(reordered), ParseOptions{Delimiter: '|'})
	require.NoError(t, err)
	rows := ds.Slice(0, 10, ds.Len())
	require.Len(t, rows, 1)
	require.Equal(t, "06", rows[0].Get("State Code"))
	require.Equal(t, "Moderate", rows[0].Get("Tract Income Level"))
	require.Equal(t, "", rows[0].Get("Tract Population"))

	require.NoError(t, ds.Require([]string{"State Code", "tract code"}))
	err = ds.Require([]string{"State Code", "Owner Occupied Units"})
	require.ErrorIs(t, err, ErrMissingColumns)
	require.Contains(t, err.Error(), "Owner Occupied Units")
}

func TestShortRowReadsEmpty(t *testing.T) {
	ds, err := Parse([]byte("a,b,c\n1,2\n"), ParseOptions{})
	require.NoError(t, err)
	row := ds.Slice(0, 1, 1)[0]
	require.Equal(t, "2", row.Get("b"))
	require.Equal(t, "", row.Get("c"))
}

func TestFetcherErrors(t *testing.T) {
	f := NewFetcher(MemBlob{"big.csv": []byte("0123456789")}, 5, 0)

	_, err := f.FetchRaw(context.Background(), "missing.csv")
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = f.FetchRaw(context.Background(), "big.csv")
	require.ErrorIs(t, err, ErrUnavailable)
}

type slowBlob struct{}

func (slowBlob) Open(ctx context.Context, _ string) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFetcherTimeout(t *testing.T) {
	f := NewFetcher(slowBlob{}, 0, 10*time.Millisecond)
	_, err := f.FetchRaw(context.Background(), "x")
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingBlob struct {
	MemBlob
	opens atomic.Int32
}

func (c *countingBlob) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	c.opens.Add(1)
	return c.MemBlob.Open(ctx, key)
}

func TestLoaderCachesPerJob(t *testing.T) {
	blob := &countingBlob{MemBlob: MemBlob{"tracts.csv": []byte(sample)}}
	l, err := NewLoader(NewFetcher(blob, 0, 0), ParseOptions{}, 4)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ds, err := l.Load(ctx, "job-1", "tracts.csv")
		require.NoError(t, err)
		require.Equal(t, 5, ds.Len())
	}
	require.Equal(t, int32(1), blob.opens.Load())
	require.True(t, l.Cached("job-1"))

	l.Forget("job-1")
	require.False(t, l.Cached("job-1"))
	_, err = l.Load(ctx, "job-1", "tracts.csv")
	require.NoError(t, err)
	require.Equal(t, int32(2), blob.opens.Load())
}

func TestLoaderWithoutCacheRefetches(t *testing.T) {
	blob := &countingBlob{MemBlob: MemBlob{"tracts.csv": []byte(sample)}}
	l, err := NewLoader(NewFetcher(blob, 0, 0), ParseOptions{}, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := l.Load(context.Background(), "job-1", "tracts.csv")
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), blob.opens.Load())
	require.False(t, l.Cached("job-1"))
}

type fakeS3 struct {
	objects map[string]string
}

func (f fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3BlobOpen(t *testing.T) {
	blob := &S3Blob{client: fakeS3{objects: map[string]string{"census/tracts.csv": sample}}, bucket: "census"}
	f := NewFetcher(blob, 0, 0)

	raw, err := f.FetchRaw(context.Background(), "tracts.csv")
	require.NoError(t, err)
	require.Equal(t, sample, string(raw))

	_, err = f.FetchRaw(context.Background(), "other.csv")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDirBlobStaysInsideBase(t *testing.T) {
	require.Equal(t, "etc/passwd", sanitizeKey("../../etc/passwd"))
	require.Equal(t, "a/b.csv", sanitizeKey("a/b.csv"))
}
