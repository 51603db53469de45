package videos

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRouter(t *testing.T) (*gin.Engine, *Handler, string) {
	t.Helper()
	base := t.TempDir()
	hlsDir := filepath.Join(base, "hls")
	h := NewHandler(nil, nil, nil, nil, nil, filepath.Join(base, "uploads"), hlsDir, "", nil)

	r := gin.New()
	r.POST("/api/videos/upload", h.Upload)
	r.GET("/api/videos/:id/status", h.Status)
	r.GET("/api/videos/:id/hls/*filepath", h.HLSFile)
	return r, h, hlsDir
}

func multipartBody(t *testing.T, field, filename string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte("not really a video"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUploadRejectsMissingFile(t *testing.T) {
	r, _, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/videos/upload", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadRejectsWrongField(t *testing.T) {
	r, _, _ := testRouter(t)
	body, contentType := multipartBody(t, "attachment", "movie.mp4")

	req := httptest.NewRequest(http.MethodPost, "/api/videos/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing video file")
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	r, _, _ := testRouter(t)

	for _, name := range []string{"document.pdf", "archive.zip", "noext", "script.sh"} {
		body, contentType := multipartBody(t, "video", name)
		req := httptest.NewRequest(http.MethodPost, "/api/videos/upload", body)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		assert.Contains(t, w.Body.String(), "unsupported file type", name)
	}
}

func TestStatusRejectsBadID(t *testing.T) {
	r, _, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/videos/not-a-uuid/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHLSFileRejectsTraversal(t *testing.T) {
	r, _, _ := testRouter(t)
	id := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/api/videos/"+id+"/hls/..%2F..%2Fsecret.txt", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.NotEqual(t, http.StatusOK, w.Code)
}

func TestHLSFileServesManifest(t *testing.T) {
	r, _, hlsDir := testRouter(t)
	id := uuid.NewString()
	dir := filepath.Join(hlsDir, id)
	require.NoError(t, os.MkdirAll(dir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "master.m3u8"), []byte("#EXTM3U\n"), 0600))

	req := httptest.NewRequest(http.MethodGet, "/api/videos/"+id+"/hls/master.m3u8", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", w.Header().Get("Content-Type"))
	assert.Equal(t, "#EXTM3U\n", w.Body.String())
}

func TestHLSFileMissing(t *testing.T) {
	r, _, _ := testRouter(t)
	id := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/api/videos/"+id+"/hls/720p/index.m3u8", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamURLShape(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, "/api/videos/"+id.String()+"/stream", streamPath(id))
	assert.Equal(t, "/api/videos/"+id.String()+"/hls/video-only/master.m3u8", hlsPath(id, "video-only/master.m3u8"))

	h := &Handler{baseURL: "https://cdn.example.com"}
	assert.Equal(t, "https://cdn.example.com/api/videos/"+id.String()+"/stream", h.streamURL(id))
}
