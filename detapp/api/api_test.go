package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/harrison-roh/object-detection-with-yolo/detapp/data"
	"github.com/harrison-roh/object-detection-with-yolo/detapp/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDetector struct {
	detections []inference.Detection
	err        error

	width, height int
}

func (f *fakeDetector) Detect(img gocv.Mat) ([]inference.Detection, error) {
	f.width, f.height = img.Cols(), img.Rows()
	return f.detections, f.err
}

func (f *fakeDetector) Info(verbose bool) map[string]interface{} {
	return map[string]interface{}{
		"model":   "fake",
		"verbose": verbose,
	}
}

func newRouter(d Detector) *gin.Engine {
	return Router(&APIs{
		I: d,
		P: data.NewPalette(2, 42),
	})
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field string, content []byte) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, "test.png")
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPredict(t *testing.T) {
	d := &fakeDetector{
		detections: []inference.Detection{
			{Label: "person", ClassID: 0, Confidence: 0.9876, Box: [4]int{5, 5, 40, 30}},
			{Label: "backpack", ClassID: 1, Confidence: 0.61, Box: [4]int{20, 10, 60, 45}},
		},
	}
	r := newRouter(d)

	w := serve(r, uploadRequest(t, "image", pngBytes(t, 64, 48)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	assert.Equal(t, 64, d.width)
	assert.Equal(t, 48, d.height)

	var res PredictResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Predictions, 2)
	assert.Equal(t, Prediction{Label: "person", Confidence: 0.9876, Box: [4]int{5, 5, 40, 30}}, res.Predictions[0])
	assert.Equal(t, "backpack", res.Predictions[1].Label)

	require.True(t, strings.HasPrefix(res.Image, data.DataURIPrefix))
	jpg, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(res.Image, data.DataURIPrefix))
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(jpg))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)
}

func TestPredictNoDetections(t *testing.T) {
	r := newRouter(&fakeDetector{})

	w := serve(r, uploadRequest(t, "image", pngBytes(t, 16, 16)))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []interface{}{}, body["predictions"])
}

func TestPredictDeterministic(t *testing.T) {
	d := &fakeDetector{
		detections: []inference.Detection{
			{Label: "person", ClassID: 0, Confidence: 0.7, Box: [4]int{1, 1, 10, 10}},
		},
	}
	r := newRouter(d)
	img := pngBytes(t, 32, 32)

	var results [2]PredictResponse
	for idx := range results {
		w := serve(r, uploadRequest(t, "image", img))
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results[idx]))
	}

	assert.Equal(t, results[0].Predictions, results[1].Predictions)
	assert.Equal(t, results[0].Image, results[1].Image)
}

func TestPredictNoImage(t *testing.T) {
	r := newRouter(&fakeDetector{})

	for name, req := range map[string]*http.Request{
		"other field": uploadRequest(t, "file", pngBytes(t, 8, 8)),
		"empty body":  httptest.NewRequest(http.MethodPost, "/predict", nil),
	} {
		t.Run(name, func(t *testing.T) {
			w := serve(r, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var res HTTPError
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			assert.Equal(t, "No image uploaded", res.Error)
		})
	}
}

func TestPredictInvalidImage(t *testing.T) {
	d := &fakeDetector{}
	r := newRouter(d)

	w := serve(r, uploadRequest(t, "image", []byte("not an image")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var res HTTPError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Contains(t, res.Error, "Cannot decode image")
	assert.Zero(t, d.width)
}

func TestPredictDetectorError(t *testing.T) {
	r := newRouter(&fakeDetector{err: errors.New("forward failed")})

	w := serve(r, uploadRequest(t, "image", pngBytes(t, 8, 8)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var res HTTPError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "forward failed", res.Error)
}

func TestShowModel(t *testing.T) {
	r := newRouter(&fakeDetector{})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/model?verbose", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "fake", info["model"])
	assert.Equal(t, true, info["verbose"])
}

func TestHealth(t *testing.T) {
	r := newRouter(&fakeDetector{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-1")
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-Id"))
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
