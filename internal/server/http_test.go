package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/cmdlog/internal/assembler"
	"github.com/ehrlich-b/cmdlog/internal/device"
	"github.com/ehrlich-b/cmdlog/internal/logstore"
	"github.com/ehrlich-b/cmdlog/internal/ringlog"
	"github.com/gorilla/websocket"
)

func seed(t *testing.T, store *logstore.Store, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if err := store.AppendRecord(context.Background(), ringlog.NewRecord([]byte(l))); err != nil {
			t.Fatalf("AppendRecord(%q) failed: %v", l, err)
		}
	}
}

func TestHTTPGetLog(t *testing.T) {
	store := newTestStore(t, 10)
	seed(t, store, "one\n", "two\n")
	handler := NewHTTPHandler(Config{}, store, nil)

	req := httptest.NewRequest("GET", "/api/log", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Body.String(); got != "one\ntwo\n" {
		t.Errorf("body = %q, want %q", got, "one\ntwo\n")
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestHTTPGetLogRange(t *testing.T) {
	store := newTestStore(t, 10)
	seed(t, store, "one\n", "two\n")
	handler := NewHTTPHandler(Config{}, store, nil)

	tests := []struct {
		query  string
		status int
		body   string
	}{
		{"offset=2&limit=4", http.StatusOK, "e\ntw"},
		{"offset=4", http.StatusOK, "two\n"},
		{"offset=8", http.StatusNoContent, ""},
		{"offset=100", http.StatusNoContent, ""},
		{"offset=-1", http.StatusBadRequest, ""},
		{"offset=0&limit=0", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/api/log?"+tt.query, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.query, w.Code, tt.status)
			continue
		}
		if tt.status == http.StatusOK && w.Body.String() != tt.body {
			t.Errorf("%s: body = %q, want %q", tt.query, w.Body.String(), tt.body)
		}
	}
}

func TestHTTPAppend(t *testing.T) {
	store := newTestStore(t, 2)
	seed(t, store, "A\n")
	handler := NewHTTPHandler(Config{}, store, nil)

	req := httptest.NewRequest("POST", "/api/log", strings.NewReader("B\nC\npartial"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got := w.Body.String(); got != "B\nC\n" {
		t.Errorf("body = %q, want %q", got, "B\nC\n")
	}
	if got := w.Header().Get("X-Cmdlog-Records"); got != "2" {
		t.Errorf("X-Cmdlog-Records = %q, want 2", got)
	}
	if got := w.Header().Get("X-Cmdlog-Discarded"); got != "7" {
		t.Errorf("X-Cmdlog-Discarded = %q, want 7", got)
	}
}

func TestHTTPAppendOversized(t *testing.T) {
	store := newTestStore(t, 4)
	handler := NewHTTPHandler(Config{MaxRecordSize: 8}, store, nil)

	body := "ok\n" + strings.Repeat("x", 20) + "\nlater\n"
	req := httptest.NewRequest("POST", "/api/log", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
	// Records on both sides of the oversized one are committed.
	data, _ := store.Snapshot(context.Background())
	if string(data) != "ok\nlater\n" {
		t.Errorf("log = %q, want %q", data, "ok\nlater\n")
	}
}

func TestHTTPStats(t *testing.T) {
	store := newTestStore(t, 2)
	seed(t, store, "A\n", "B\n", "C\n")
	handler := NewHTTPHandler(Config{}, store, nil)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var st logstore.Stats
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Records != 2 || st.Capacity != 2 || st.Bytes != 4 {
		t.Errorf("stats = %+v, want 2 records of 4 bytes in capacity 2", st)
	}
	if st.Appends != 3 || st.Evictions != 1 {
		t.Errorf("appends/evictions = %d/%d, want 3/1", st.Appends, st.Evictions)
	}
	if st.Backend != "memory" {
		t.Errorf("backend = %q, want memory", st.Backend)
	}
}

func TestHTTPClosedStore(t *testing.T) {
	store := newTestStore(t, 2)
	handler := NewHTTPHandler(Config{}, store, nil)
	store.Close()

	req := httptest.NewRequest("GET", "/api/log", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHTTPMethodNotAllowed(t *testing.T) {
	store := newTestStore(t, 2)
	handler := NewHTTPHandler(Config{}, store, nil)

	req := httptest.NewRequest("DELETE", "/api/log", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestWebSocketSession(t *testing.T) {
	store := newTestStore(t, 10)
	srv := httptest.NewServer(NewHTTPHandler(Config{}, store, nil))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/log"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// A command split across messages is committed once.
	for _, msg := range []string{"hel", "lo\nwor", "ld\n"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write %q: %v", msg, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for _, want := range []string{"hello\n", "hello\nworld\n"} {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if typ != websocket.BinaryMessage {
			t.Errorf("message type = %d, want binary", typ)
		}
		if string(data) != want {
			t.Errorf("reply = %q, want %q", data, want)
		}
	}
}

func TestWebSocketSharesLogWithTCP(t *testing.T) {
	store := newTestStore(t, 10)
	tcp := startServer(t, store, Config{})
	srv := httptest.NewServer(NewHTTPHandler(Config{}, store, nil))
	defer srv.Close()

	conn := dial(t, tcp)
	io.WriteString(conn, "from-tcp\n")
	readExactly(t, conn, len("from-tcp\n"))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/log"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	ws.WriteMessage(websocket.TextMessage, []byte("from-ws\n"))
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "from-tcp\nfrom-ws\n" {
		t.Errorf("reply = %q, want %q", data, "from-tcp\nfrom-ws\n")
	}
}

func TestHTTPDeviceWrites(t *testing.T) {
	store := newTestStore(t, 4)
	handler := NewHTTPHandler(Config{}, store, nil)
	handler.SetDevice(device.New(store, nil))

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/device", strings.NewReader(body))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	w := post("par")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("X-Cmdlog-Pending"); got != "3" {
		t.Errorf("X-Cmdlog-Pending = %q, want 3", got)
	}

	w = post("tial\nnext\n")
	if got := w.Header().Get("X-Cmdlog-Pending"); got != "0" {
		t.Errorf("X-Cmdlog-Pending = %q, want 0", got)
	}
	data, _ := store.Snapshot(context.Background())
	if string(data) != "partial\nnext\n" {
		t.Errorf("log = %q, want %q", data, "partial\nnext\n")
	}
}

func TestHTTPDeviceWriteOversized(t *testing.T) {
	store := newTestStore(t, 4)
	handler := NewHTTPHandler(Config{MaxRecordSize: 8}, store, nil)
	handler.SetDevice(device.New(store, nil, assembler.WithMaxSize(8)))

	req := httptest.NewRequest("POST", "/api/device", strings.NewReader(strings.Repeat("x", 20)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestHTTPDeviceRecordRead(t *testing.T) {
	store := newTestStore(t, 3)
	seed(t, store, "zero\n", "one\n", "two\n", "three\n")
	handler := NewHTTPHandler(Config{}, store, nil)
	handler.SetDevice(device.New(store, nil))

	tests := []struct {
		query  string
		status int
		body   string
		offset string
	}{
		{"record=2&offset=1", http.StatusOK, "hree\n", "9"},
		{"record=0", http.StatusOK, "one\ntwo\nthree\n", "0"},
		{"record=1&limit=2", http.StatusOK, "tw", "4"},
		{"record=3", http.StatusRequestedRangeNotSatisfiable, "", ""},
		{"record=0&offset=4", http.StatusRequestedRangeNotSatisfiable, "", ""},
		{"record=x", http.StatusBadRequest, "", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/api/device?"+tt.query, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.query, w.Code, tt.status)
			continue
		}
		if tt.status != http.StatusOK {
			continue
		}
		if w.Body.String() != tt.body {
			t.Errorf("%s: body = %q, want %q", tt.query, w.Body.String(), tt.body)
		}
		if got := w.Header().Get("X-Cmdlog-Offset"); got != tt.offset {
			t.Errorf("%s: X-Cmdlog-Offset = %q, want %q", tt.query, got, tt.offset)
		}
	}
}

func TestHTTPDeviceNotAttached(t *testing.T) {
	store := newTestStore(t, 4)
	handler := NewHTTPHandler(Config{}, store, nil)

	req := httptest.NewRequest("GET", "/api/device?record=0", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHTTPDeviceRecordReadUnbounded(t *testing.T) {
	backend, err := logstore.NewFileBackend(filepath.Join(t.TempDir(), "cmdlog.data"), false, nil)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	store, err := logstore.New(logstore.Options{}, backend, nil)
	if err != nil {
		t.Fatalf("logstore.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	seed(t, store, "a\n")
	handler := NewHTTPHandler(Config{}, store, nil)
	handler.SetDevice(device.New(store, nil))

	req := httptest.NewRequest("GET", "/api/device?record=0", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotImplemented)
	}
}
