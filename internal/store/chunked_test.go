package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamvault/backend/internal/models"
)

type storedObject struct {
	data []byte
	meta map[string]string
}

// fakeAPI is an in-memory ObjectAPI with scriptable per-key failures.
type fakeAPI struct {
	mu      sync.Mutex
	objects map[string]storedObject // "bucket/key"
	// putErrs holds errors consumed one per PutObject call for a key.
	putErrs map[string][]error
	// putLimit, when positive, rejects any put larger than it, like a
	// backend with a hard per-object ceiling.
	putLimit int64
	// truncBytes holds per-key byte counts consumed one per put, storing
	// only that prefix of the body.
	truncBytes map[string][]int64
	putCalls   int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		objects:    make(map[string]storedObject),
		putErrs:    make(map[string][]error),
		truncBytes: make(map[string][]int64),
	}
}

func (f *fakeAPI) failNext(key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErrs[key] = append(f.putErrs[key], errs...)
}

func (f *fakeAPI) truncateNext(key string, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncBytes[key] = append(f.truncBytes[key], n)
}

func (f *fakeAPI) PutObject(_ context.Context, bucket, key string, body io.Reader, size int64, meta map[string]string) error {
	f.mu.Lock()
	f.putCalls++
	if f.putLimit > 0 && size > f.putLimit {
		f.mu.Unlock()
		return fmt.Errorf("entity too large: %d > %d", size, f.putLimit)
	}
	if queue := f.putErrs[key]; len(queue) > 0 {
		err := queue[0]
		f.putErrs[key] = queue[1:]
		f.mu.Unlock()
		return err
	}
	keep := int64(-1)
	if queue := f.truncBytes[key]; len(queue) > 0 {
		keep = queue[0]
		f.truncBytes[key] = queue[1:]
	}
	f.mu.Unlock()

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if keep >= 0 && keep < int64(len(data)) {
		data = data[:keep]
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = storedObject{data: data, meta: meta}
	return nil
}

func (f *fakeAPI) HeadObject(_ context.Context, bucket, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucket+"/"+key]
	if !ok {
		return 0, fmt.Errorf("no such object %s/%s", bucket, key)
	}
	return int64(len(obj.data)), nil
}

func (f *fakeAPI) GetObject(_ context.Context, bucket, key, byteRange string) (io.ReadCloser, error) {
	f.mu.Lock()
	obj, ok := f.objects[bucket+"/"+key]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such object %s/%s", bucket, key)
	}
	data := obj.data
	if byteRange != "" {
		var start, end int64
		if _, err := fmt.Sscanf(byteRange, "bytes=%d-%d", &start, &end); err != nil {
			return nil, fmt.Errorf("bad range %q", byteRange)
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		data = data[start : end+1]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[bucket+"/"+key]; !ok {
		return fmt.Errorf("no such object %s/%s", bucket, key)
	}
	delete(f.objects, bucket+"/"+key)
	return nil
}

func (f *fakeAPI) object(bucket, key string) (storedObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucket+"/"+key]
	return obj, ok
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func newTestAdapter(api ObjectAPI, limit int64, backups ...string) *Adapter {
	a := NewAdapter(api, "primary", backups, limit, nil)
	a.retryBase = time.Millisecond
	return a
}

func writeTemp(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestUploadSingleUnderLimit(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(api, 100)
	path := writeTemp(t, []byte(strings.Repeat("x", 80)))

	rec := a.Upload(context.Background(), path, "videos/v1/original.mp4")

	assert.Equal(t, models.StorageSingle, rec.Method)
	require.NotNil(t, rec.Object)
	assert.Equal(t, "videos/v1/original.mp4", rec.Object.Key)
	assert.Equal(t, int64(80), rec.TotalSize)
	assert.NotEmpty(t, rec.Object.Checksum)

	obj, ok := api.object("primary", "videos/v1/original.mp4")
	require.True(t, ok)
	assert.Len(t, obj.data, 80)
	assert.Equal(t, rec.Object.Checksum, obj.meta["checksum"])
}

func TestUploadExactlyAtLimitStaysSingle(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(api, 100)
	path := writeTemp(t, []byte(strings.Repeat("x", 100)))

	rec := a.Upload(context.Background(), path, "k")
	assert.Equal(t, models.StorageSingle, rec.Method)
	assert.Empty(t, rec.Parts)
}

func TestUploadChunkedOverLimit(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(api, 100)
	content := []byte(strings.Repeat("abcdefghij", 25)) // 250 bytes
	path := writeTemp(t, content)

	rec := a.Upload(context.Background(), path, "videos/v1/original.mp4")

	assert.Equal(t, models.StorageChunked, rec.Method)
	require.Len(t, rec.Parts, 3)
	assert.Equal(t, int64(250), rec.TotalSize)
	assert.Equal(t, int64(100), rec.PartSize)
	assert.Equal(t, "videos/v1/original.mp4.part00001", rec.Parts[0].Key)
	assert.Equal(t, "videos/v1/original.mp4.part00003", rec.Parts[2].Key)
	assert.Equal(t, int64(50), rec.Parts[2].Size)
	for i, p := range rec.Parts {
		assert.Equal(t, i+1, p.Seq)
		obj, ok := api.object("primary", p.Key)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i+1), obj.meta["seq"])
	}
}

func TestDownloadReassemblesChunked(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(api, 64)
	content := []byte(strings.Repeat("0123456789", 20)) // 200 bytes, 4 parts
	path := writeTemp(t, content)

	rec := a.Upload(context.Background(), path, "k")
	require.Equal(t, models.StorageChunked, rec.Method)

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, a.Download(context.Background(), rec, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestOpenRangeAcrossPartBoundary(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(api, 10)
	content := []byte("0123456789abcdefghijABCDEFGHIJ") // 30 bytes, 3 parts
	path := writeTemp(t, content)

	rec := a.Upload(context.Background(), path, "k")
	require.Equal(t, models.StorageChunked, rec.Method)

	// 8..22 spans all three parts.
	r, err := a.OpenRange(context.Background(), rec, 8, 22)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "89abcdefghijABC", string(got))
}

func TestOpenRangeValidation(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(api, 10)
	rec := models.StorageRecord{Method: models.StorageSingle, Object: &models.ObjectRef{Bucket: "b", Key: "k"}, TotalSize: 10}

	_, err := a.OpenRange(context.Background(), rec, -1, 5)
	assert.Error(t, err)
	_, err = a.OpenRange(context.Background(), rec, 5, 4)
	assert.Error(t, err)
	_, err = a.OpenRange(context.Background(), rec, 0, 10)
	assert.Error(t, err)
	_, err = a.OpenRange(context.Background(), models.StorageRecord{Method: models.StorageNone, TotalSize: 10}, 0, 5)
	assert.Error(t, err)
}

func TestUploadRetriesThenSucceeds(t *testing.T) {
	api := newFakeAPI()
	api.failNext("k", fmt.Errorf("flaky"), fmt.Errorf("flaky"))
	a := newTestAdapter(api, 100)
	path := writeTemp(t, []byte("data"))

	rec := a.Upload(context.Background(), path, "k")
	assert.Equal(t, models.StorageSingle, rec.Method)
}

func TestUploadFailureYieldsNoneRecord(t *testing.T) {
	api := newFakeAPI()
	api.failNext("k", fmt.Errorf("down"), fmt.Errorf("down"), fmt.Errorf("down"))
	a := newTestAdapter(api, 100)
	path := writeTemp(t, []byte("data"))

	rec := a.Upload(context.Background(), path, "k")
	assert.Equal(t, models.StorageNone, rec.Method)
	assert.Contains(t, rec.Reason, "down")
	assert.Equal(t, int64(4), rec.TotalSize)
}

func TestUploadMissingFile(t *testing.T) {
	a := newTestAdapter(newFakeAPI(), 100)
	rec := a.Upload(context.Background(), filepath.Join(t.TempDir(), "missing"), "k")
	assert.Equal(t, models.StorageNone, rec.Method)
	assert.Contains(t, rec.Reason, "stat")
}

func TestReplicationReachesBackupBuckets(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(api, 100, "backup-a", "backup-b")
	path := writeTemp(t, []byte("data"))

	rec := a.Upload(context.Background(), path, "k")
	require.Equal(t, models.StorageSingle, rec.Method)

	assert.Eventually(t, func() bool {
		_, okA := api.object("backup-a", "k")
		_, okB := api.object("backup-b", "k")
		return okA && okB
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplicationChunksOversizedFiles(t *testing.T) {
	api := newFakeAPI()
	api.putLimit = 10
	a := newTestAdapter(api, 10, "backup-a")
	content := []byte("0123456789abcdefghijklmno") // 25 bytes
	path := writeTemp(t, content)

	rec := a.Upload(context.Background(), path, "videos/v1/original.mp4")
	require.Equal(t, models.StorageChunked, rec.Method)
	require.Len(t, rec.Parts, 3)

	// Replicas honor the same per-object ceiling as the primary, so the
	// backup bucket must end up with the same part sequence.
	assert.Eventually(t, func() bool {
		var got []byte
		for seq := 1; seq <= 3; seq++ {
			obj, ok := api.object("backup-a", partKey("videos/v1/original.mp4", seq))
			if !ok {
				return false
			}
			got = append(got, obj.data...)
		}
		return bytes.Equal(got, content)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUploadVerifiesStoredSize(t *testing.T) {
	api := newFakeAPI()
	api.truncateNext("k", 2)
	a := newTestAdapter(api, 100)
	path := writeTemp(t, []byte("data"))

	rec := a.Upload(context.Background(), path, "k")

	require.Equal(t, models.StorageSingle, rec.Method)
	obj, ok := api.object("primary", "k")
	require.True(t, ok)
	assert.Len(t, obj.data, 4)
	assert.Equal(t, 2, api.putCalls, "truncated put must count as a failed attempt")
}

func TestDeleteObjectsChunked(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(api, 10)
	path := writeTemp(t, []byte(strings.Repeat("x", 25)))

	rec := a.Upload(context.Background(), path, "k")
	require.Equal(t, models.StorageChunked, rec.Method)
	require.Equal(t, 3, api.count())

	require.NoError(t, a.DeleteObjects(context.Background(), rec))
	assert.Zero(t, api.count())
}

func TestUploadSegmentsSkipsOverCeiling(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(api, 1<<20)
	dir := t.TempDir()
	for i := 0; i < segmentCountCeiling+1; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("segment_%05d.ts", i)), []byte("seg"), 0600))
	}

	res := a.UploadSegments(context.Background(), dir, "videos/v1/hls")
	assert.True(t, res.Skipped)
	assert.Contains(t, res.Reason, "too many objects")
	assert.Zero(t, api.count())
}

func TestUploadSegmentsUploadsBatch(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(api, 1<<20)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "audio"), 0750))
	files := []string{"master.m3u8", "segment_00000.ts", filepath.Join("audio", "track_0.m3u8")}
	for _, name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data"), 0600))
	}

	res := a.UploadSegments(context.Background(), dir, "videos/v1/hls")
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Uploaded)
	assert.Zero(t, res.Failed)

	_, ok := api.object("primary", "videos/v1/hls/master.m3u8")
	assert.True(t, ok)
	_, ok = api.object("primary", "videos/v1/hls/audio/track_0.m3u8")
	assert.True(t, ok)
}

func TestUploadSegmentsCountsFailures(t *testing.T) {
	api := newFakeAPI()
	api.failNext("videos/v1/hls/bad.ts", fmt.Errorf("boom"))
	a := newTestAdapter(api, 1<<20)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.ts"), []byte("data"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.ts"), []byte("data"), 0600))

	res := a.UploadSegments(context.Background(), dir, "videos/v1/hls")
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Failed)
}

func TestUploadSegmentsCountsRemainingOnAbort(t *testing.T) {
	api := newFakeAPI()
	api.failNext("videos/v1/hls/b.ts", fmt.Errorf("%w: slow down", models.ErrRateLimited))
	a := newTestAdapter(api, 1<<20)
	dir := t.TempDir()
	for _, name := range []string{"a.ts", "b.ts", "c.ts"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data"), 0600))
	}

	// A cancelled context aborts the rate-limit backoff mid-run. The
	// tallies must still cover each file exactly once.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := a.UploadSegments(ctx, dir, "videos/v1/hls")

	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 2, res.Failed)
}

func TestPartKeyFormat(t *testing.T) {
	assert.Equal(t, "videos/v1/original.mp4.part00001", partKey("videos/v1/original.mp4", 1))
	assert.Equal(t, "k.part00042", partKey("k", 42))
}
