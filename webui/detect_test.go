package webui

import (
	"MeterDetServer/frame"
	"MeterDetServer/imaging"
	iface "MeterDetServer/interface"
	"MeterDetServer/pipeline"
	"MeterDetServer/session"
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	err   error
	calls int
}

func (f *fakeDetector) Submit(_ context.Context, raw []byte) (*iface.Outcome, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &iface.Outcome{
		Detections: []iface.Result{
			iface.NewResult(1, "1", 0.9, iface.NewBox(10, 5, 30, 40)),
			iface.NewResult(2, "2", 0.8, iface.NewBox(40, 5, 60, 40)),
		},
		Digits:    []int{1, 2, 3, 4, 5},
		Reading:   "12.345",
		Annotated: []byte("annotated"),
		Elapsed:   time.Millisecond,
	}, nil
}

func newDetectClient(t *testing.T, det Detector, maxUpload int64) *client {
	srv := NewDetectServer(det, session.NewStore(10, time.Minute), maxUpload)
	return &client{t: t, h: srv.Handler()}
}

func TestIndexPage(t *testing.T) {
	c := newDetectClient(t, &fakeDetector{}, 0)
	w := c.get("/")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Water Meter Detection")
	assert.Contains(t, body, "Please upload an image to begin detection.")
	assert.Contains(t, body, "No history available.")
	assert.Contains(t, body, "Detected Numbers: ")
	require.NotNil(t, c.cookie)
	assert.NotEmpty(t, c.cookie.Value)
}

func TestPing(t *testing.T) {
	c := newDetectClient(t, &fakeDetector{}, 0)
	w := c.get("/api/ping")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestDetect(t *testing.T) {
	c := newDetectClient(t, &fakeDetector{}, 1<<20)
	upload := []byte("\x89PNG\r\n\x1a\nfake")

	w := c.do(uploadRequest(t, "/api/detect", "meter.png", upload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[detectResponse](t, w)
	assert.Equal(t, "12.345", resp.Reading)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, resp.Digits)
	require.Len(t, resp.Detections, 2)
	assert.Equal(t, [4]float32{10, 5, 30, 40}, resp.Detections[0].Box)
	assert.Equal(t, frame.EncodeImage([]byte("annotated")), resp.Image)

	w = c.get("/api/history")
	require.Equal(t, http.StatusOK, w.Code)
	items := decode[[]historyItem](t, w)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].Index)
	assert.Equal(t, "12.345", items[0].Reading)

	w = c.get("/api/history/0/image")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, upload, w.Body.Bytes())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, c.get("/api/history/7/image").Code)
	assert.Equal(t, http.StatusBadRequest, c.get("/api/history/abc/image").Code)
}

func TestHistoryIsPerSession(t *testing.T) {
	srv := NewDetectServer(&fakeDetector{}, session.NewStore(10, time.Minute), 0)
	h := srv.Handler()
	alice := &client{t: t, h: h}
	bob := &client{t: t, h: h}

	require.Equal(t, http.StatusOK, alice.do(uploadRequest(t, "/api/detect", "a.jpg", []byte("a"))).Code)
	assert.Len(t, decode[[]historyItem](t, alice.get("/api/history")), 1)
	assert.Empty(t, decode[[]historyItem](t, bob.get("/api/history")))
}

func TestDetectErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		filename string
		data     []byte
		want     int
	}{
		{name: "no file", want: http.StatusBadRequest},
		{name: "unsupported extension", filename: "meter.gif", data: []byte("x"), want: http.StatusBadRequest},
		{name: "empty file", filename: "meter.jpg", want: http.StatusBadRequest},
		{name: "undecodable", err: fmt.Errorf("invalid image: %w", imaging.ErrUnsupportedFormat), filename: "m.jpg", data: []byte("x"), want: http.StatusBadRequest},
		{name: "pool closed", err: pipeline.ErrPoolClosed, filename: "m.jpg", data: []byte("x"), want: http.StatusServiceUnavailable},
		{name: "timeout", err: context.DeadlineExceeded, filename: "m.jpg", data: []byte("x"), want: http.StatusGatewayTimeout},
		{name: "inference failure", err: fmt.Errorf("inference error: boom"), filename: "m.jpg", data: []byte("x"), want: http.StatusInternalServerError},
		{name: "too large", filename: "m.jpg", data: []byte(strings.Repeat("x", 4096)), want: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newDetectClient(t, &fakeDetector{err: tt.err}, 1024)
			w := c.do(uploadRequest(t, "/api/detect", tt.filename, tt.data))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, w)["error"])
			assert.Empty(t, decode[[]historyItem](t, c.get("/api/history")))
		})
	}
}
