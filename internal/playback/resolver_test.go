package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamvault/backend/internal/models"
)

type fakeOpener struct {
	data []byte
	err  error
	// last requested range
	start, end int64
	calls      int
}

func (f *fakeOpener) OpenRange(_ context.Context, _ models.StorageRecord, start, end int64) (io.ReadCloser, error) {
	f.calls++
	f.start, f.end = start, end
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(string(f.data[start : end+1]))), nil
}

func uploadedRecord(size int64) *models.VideoRecord {
	return &models.VideoRecord{
		ID:           uuid.New(),
		OriginalName: "movie.mp4",
		Storage: models.StorageRecord{
			Method:    models.StorageSingle,
			Object:    &models.ObjectRef{Bucket: "b", Key: "k", Size: size},
			TotalSize: size,
		},
	}
}

func TestResolveStreamCloudFull(t *testing.T) {
	opener := &fakeOpener{data: []byte("0123456789")}
	r := NewResolver(opener, t.TempDir(), 0, nil)

	src, err := r.ResolveStream(context.Background(), uploadedRecord(10), "")
	require.NoError(t, err)
	defer src.Body.Close()

	assert.Equal(t, http.StatusOK, src.Status)
	assert.Equal(t, int64(10), src.ContentLength)
	assert.Empty(t, src.ContentRange)
	assert.True(t, src.AcceptRanges)
	body, _ := io.ReadAll(src.Body)
	assert.Equal(t, "0123456789", string(body))
}

func TestResolveStreamCloudPartial(t *testing.T) {
	opener := &fakeOpener{data: []byte("0123456789")}
	r := NewResolver(opener, t.TempDir(), 0, nil)

	src, err := r.ResolveStream(context.Background(), uploadedRecord(10), "bytes=2-5")
	require.NoError(t, err)
	defer src.Body.Close()

	assert.Equal(t, http.StatusPartialContent, src.Status)
	assert.Equal(t, "bytes 2-5/10", src.ContentRange)
	assert.Equal(t, int64(4), src.ContentLength)
	body, _ := io.ReadAll(src.Body)
	assert.Equal(t, "2345", string(body))
}

func TestResolveStreamMalformedRangeServesFull(t *testing.T) {
	opener := &fakeOpener{data: []byte("0123456789")}
	r := NewResolver(opener, t.TempDir(), 0, nil)

	src, err := r.ResolveStream(context.Background(), uploadedRecord(10), "bytes=banana")
	require.NoError(t, err)
	defer src.Body.Close()

	assert.Equal(t, http.StatusOK, src.Status)
	assert.Equal(t, int64(10), src.ContentLength)
}

func TestResolveStreamFallsBackToManifest(t *testing.T) {
	hlsDir := t.TempDir()
	rec := uploadedRecord(10)
	rec.Artifacts.MasterManifest = "master.m3u8"
	writeFile(t, filepath.Join(hlsDir, rec.ID.String(), "master.m3u8"), "#EXTM3U")

	opener := &fakeOpener{err: errors.New("connection refused")}
	r := NewResolver(opener, hlsDir, 0, nil)

	src, err := r.ResolveStream(context.Background(), rec, "")
	require.NoError(t, err)
	assert.Equal(t, "master.m3u8", src.ManifestRedirect)
	assert.Nil(t, src.Body)
}

func TestResolveStreamVideoOnlyManifestSecond(t *testing.T) {
	hlsDir := t.TempDir()
	rec := &models.VideoRecord{ID: uuid.New(), OriginalName: "movie.mp4"}
	rec.Artifacts.MasterManifest = "master.m3u8" // never written to disk
	rec.Artifacts.VideoOnlyManifest = "video-only/master.m3u8"
	writeFile(t, filepath.Join(hlsDir, rec.ID.String(), "video-only", "master.m3u8"), "#EXTM3U")

	r := NewResolver(nil, hlsDir, 0, nil)
	src, err := r.ResolveStream(context.Background(), rec, "")
	require.NoError(t, err)
	assert.Equal(t, "video-only/master.m3u8", src.ManifestRedirect)
}

func TestResolveStreamLocalFileTier(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "original.mp4")
	writeFile(t, local, "abcdefghij")

	rec := &models.VideoRecord{ID: uuid.New(), OriginalName: "movie.mp4", LocalPath: local}
	r := NewResolver(nil, t.TempDir(), 0, nil)

	src, err := r.ResolveStream(context.Background(), rec, "bytes=3-6")
	require.NoError(t, err)
	defer src.Body.Close()

	assert.Equal(t, http.StatusPartialContent, src.Status)
	assert.Equal(t, "bytes 3-6/10", src.ContentRange)
	body, _ := io.ReadAll(src.Body)
	assert.Equal(t, "defg", string(body))
}

func TestResolveStreamNothingAvailable(t *testing.T) {
	rec := &models.VideoRecord{ID: uuid.New(), OriginalName: "movie.mp4"}
	r := NewResolver(nil, t.TempDir(), 0, nil)

	_, err := r.ResolveStream(context.Background(), rec, "")
	assert.ErrorIs(t, err, models.ErrNotStreamable)
}

func TestResolveStreamPropagatesRateLimit(t *testing.T) {
	opener := &fakeOpener{err: fmt.Errorf("%w: slow down", models.ErrRateLimited)}
	r := NewResolver(opener, t.TempDir(), 0, nil)

	// No manifest and no local file: the throttle must surface instead
	// of reading as a missing stream.
	_, err := r.ResolveStream(context.Background(), uploadedRecord(10), "")
	assert.ErrorIs(t, err, models.ErrRateLimited)
	assert.NotErrorIs(t, err, models.ErrNotStreamable)
}

func TestResolveStreamRateLimitStillFallsBack(t *testing.T) {
	opener := &fakeOpener{err: fmt.Errorf("%w: slow down", models.ErrRateLimited)}
	r := NewResolver(opener, t.TempDir(), 0, nil)

	rec := uploadedRecord(10)
	rec.LocalPath = filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(rec.LocalPath, []byte("0123456789"), 0600))

	src, err := r.ResolveStream(context.Background(), rec, "")
	require.NoError(t, err)
	defer src.Body.Close()
	assert.Equal(t, http.StatusOK, src.Status)
}

func TestResolveStreamPrefersSegmentsForLargeChunked(t *testing.T) {
	hlsDir := t.TempDir()
	rec := uploadedRecord(600 << 20)
	rec.Storage.Method = models.StorageChunked
	rec.Artifacts.MasterManifest = "master.m3u8"
	writeFile(t, filepath.Join(hlsDir, rec.ID.String(), "master.m3u8"), "#EXTM3U")

	opener := &fakeOpener{data: []byte("x")}
	r := NewResolver(opener, hlsDir, 500<<20, nil)

	src, err := r.ResolveStream(context.Background(), rec, "")
	require.NoError(t, err)
	assert.Equal(t, "master.m3u8", src.ManifestRedirect)
	assert.Zero(t, opener.calls, "cloud store should not be touched")
}

func TestResolveStreamLargeChunkedWithoutManifestStaysCloud(t *testing.T) {
	data := make([]byte, 8)
	rec := uploadedRecord(int64(len(data)))
	rec.Storage.Method = models.StorageChunked
	opener := &fakeOpener{data: data}
	r := NewResolver(opener, t.TempDir(), 4, nil)

	src, err := r.ResolveStream(context.Background(), rec, "")
	require.NoError(t, err)
	defer src.Body.Close()
	assert.Equal(t, 1, opener.calls)
}

func TestResolveAudioTrackCloud(t *testing.T) {
	opener := &fakeOpener{data: []byte("audio-bytes")}
	rec := uploadedRecord(11)
	rec.Artifacts.AudioTracks = []models.AudioTrackArtifact{{
		Index: 1,
		Storage: models.StorageRecord{
			Method:    models.StorageSingle,
			Object:    &models.ObjectRef{Bucket: "b", Key: "a"},
			TotalSize: 11,
		},
	}}
	r := NewResolver(opener, t.TempDir(), 0, nil)

	src, err := r.ResolveAudioTrack(context.Background(), rec, 1, "")
	require.NoError(t, err)
	defer src.Body.Close()
	assert.Equal(t, "audio/mp4", src.ContentType)
}

func TestResolveAudioTrackFallsBackToMainStream(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "original.mp4")
	writeFile(t, local, "main-stream")

	rec := &models.VideoRecord{ID: uuid.New(), OriginalName: "movie.mp4", LocalPath: local}
	r := NewResolver(nil, t.TempDir(), 0, nil)

	src, err := r.ResolveAudioTrack(context.Background(), rec, 7, "")
	require.NoError(t, err)
	defer src.Body.Close()
	body, _ := io.ReadAll(src.Body)
	assert.Equal(t, "main-stream", string(body))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "video/mp4", contentTypeFor("noext"))
	assert.Equal(t, "video/mp4", contentTypeFor("movie.mp4"))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}
