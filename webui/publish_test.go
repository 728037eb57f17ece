package webui

import (
	"MeterDetServer/adhoc"
	"MeterDetServer/frame"
	"MeterDetServer/session"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher answers each Send after delay, calling onResult and then
// delivering through the returned channel, like the MQTT requester does.
type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	delay     time.Duration
	fail      error
	result    frame.DetectionResult
	sent      [][]byte
	onResult  func(session string, res frame.DetectionResult)
}

func (f *fakePublisher) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) Send(_ context.Context, sess string, jpeg []byte) (string, <-chan frame.DetectionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", nil, f.fail
	}
	f.sent = append(f.sent, jpeg)
	id := frame.NewID()
	res := f.result
	res.ID = id
	ch := make(chan frame.DetectionResult, 1)
	onResult := f.onResult
	go func() {
		time.Sleep(f.delay)
		if onResult != nil {
			onResult(sess, res)
		}
		ch <- res
	}()
	return id, ch, nil
}

func okResult() frame.DetectionResult {
	return frame.DetectionResult{
		ProcessedImage:  frame.EncodeImage([]byte("processed")),
		FormattedOutput: "1,2",
		Digits:          []int{1, 2},
	}
}

func newPublishServer(t *testing.T, pub *fakePublisher, timeout time.Duration) (*PublishServer, *session.Store) {
	t.Helper()
	store := session.NewStore(10, time.Minute)
	srv := NewPublishServer(pub, store, adhoc.NewRegistry(), PublishOptions{
		MaxUploadSize: 1 << 20,
		ResultTimeout: timeout,
		WorkerTTL:     time.Minute,
	})
	srv.normalize = func(raw []byte) ([]byte, error) { return raw, nil }
	pub.onResult = srv.HandleResult
	return srv, store
}

func TestSend(t *testing.T) {
	pub := &fakePublisher{connected: true, result: okResult()}
	srv, _ := newPublishServer(t, pub, 2*time.Second)
	c := &client{t: t, h: srv.Handler()}

	w := c.do(uploadRequest(t, "/api/send", "meter.jpg", []byte("jpeg")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	msg := decode[resultMessage](t, w)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "1,2", msg.Reading)
	assert.Equal(t, frame.EncodeImage([]byte("processed")), msg.Image)
	assert.Equal(t, [][]byte{[]byte("jpeg")}, pub.sent)

	items := decode[[]historyItem](t, c.get("/api/history"))
	require.Len(t, items, 1, "history is written before /api/send answers")
	assert.Equal(t, "1,2", items[0].Reading)
	w = c.get("/api/history/0/image")
	assert.Equal(t, []byte("processed"), w.Body.Bytes())
}

func TestSend_PendingThenLateResult(t *testing.T) {
	pub := &fakePublisher{connected: true, result: okResult(), delay: 200 * time.Millisecond}
	srv, _ := newPublishServer(t, pub, 20*time.Millisecond)
	c := &client{t: t, h: srv.Handler()}

	w := c.do(uploadRequest(t, "/api/send", "meter.png", []byte("png")))
	require.Equal(t, http.StatusAccepted, w.Code)
	msg := decode[resultMessage](t, w)
	assert.Equal(t, "pending", msg.Status)
	assert.NotEmpty(t, msg.ID)

	require.Eventually(t, func() bool {
		items := decode[[]historyItem](t, c.get("/api/history"))
		return len(items) == 1 && items[0].Reading == "1,2"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSend_Errors(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		srv, _ := newPublishServer(t, &fakePublisher{}, time.Second)
		c := &client{t: t, h: srv.Handler()}
		w := c.do(uploadRequest(t, "/api/send", "m.jpg", []byte("x")))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
	t.Run("publish failure", func(t *testing.T) {
		srv, _ := newPublishServer(t, &fakePublisher{connected: true, fail: errors.New("broker gone")}, time.Second)
		c := &client{t: t, h: srv.Handler()}
		w := c.do(uploadRequest(t, "/api/send", "m.jpg", []byte("x")))
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "broker gone", decode[map[string]string](t, w)["error"])
	})
	t.Run("worker error", func(t *testing.T) {
		pub := &fakePublisher{connected: true, result: frame.DetectionResult{Error: "model exploded"}}
		srv, _ := newPublishServer(t, pub, time.Second)
		c := &client{t: t, h: srv.Handler()}
		w := c.do(uploadRequest(t, "/api/send", "m.jpg", []byte("x")))
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "model exploded", decode[resultMessage](t, w).Error)
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, decode[[]historyItem](t, c.get("/api/history")))
	})
	t.Run("bad extension", func(t *testing.T) {
		srv, _ := newPublishServer(t, &fakePublisher{connected: true}, time.Second)
		c := &client{t: t, h: srv.Handler()}
		w := c.do(uploadRequest(t, "/api/send", "m.bmp", []byte("x")))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestWorkerRegistry(t *testing.T) {
	srv, _ := newPublishServer(t, &fakePublisher{connected: true}, time.Second)
	h := srv.Handler()

	body, err := json.Marshal(adhoc.RegisterRequest{Id: "w-1", Host: "10.0.0.2", RPCPort: 50051, Workers: 2})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, adhoc.RegisterPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[adhoc.RegisterResponse](t, w).Success)

	req = httptest.NewRequest(http.MethodPost, adhoc.RegisterPath, strings.NewReader(`{"host":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/workers", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Connected bool           `json:"connected"`
		Workers   []adhoc.Worker `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.True(t, listed.Connected)
	require.Len(t, listed.Workers, 1)
	assert.Equal(t, "w-1", listed.Workers[0].Id)
}

func TestWebsocketPush(t *testing.T) {
	pub := &fakePublisher{connected: true, result: okResult(), delay: 100 * time.Millisecond}
	srv, store := newPublishServer(t, pub, 10*time.Millisecond)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	sess, _ := store.Ensure("")
	header := http.Header{}
	header.Set("Cookie", session.CookieName+"="+sess.ID)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.hub.count(sess.ID) == 1 }, time.Second, 5*time.Millisecond)

	srv.HandleResult(sess.ID, frame.DetectionResult{ID: "r-1", FormattedOutput: "12.345", ProcessedImage: frame.EncodeImage([]byte("img"))})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg resultMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "r-1", msg.ID)
	assert.Equal(t, "12.345", msg.Reading)
	assert.Len(t, sess.History(), 1)

	srv.hub.closeSession(sess.ID)
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestSend_EmptyReading(t *testing.T) {
	res, err := frame.ParseDetectionResult([]byte(`{"processed_image":"` + frame.EncodeImage([]byte("p")) + `","formatted_output":""}`))
	require.NoError(t, err)
	pub := &fakePublisher{connected: true, result: res}
	srv, _ := newPublishServer(t, pub, 2*time.Second)
	c := &client{t: t, h: srv.Handler()}

	w := c.do(uploadRequest(t, "/api/send", "blank.jpg", []byte("jpeg")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "", body["reading"])

	items := decode[[]historyItem](t, c.get("/api/history"))
	require.Len(t, items, 1)
	assert.Equal(t, "", items[0].Reading)
}
