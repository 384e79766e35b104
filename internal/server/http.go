package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ehrlich-b/cmdlog/internal/assembler"
	"github.com/ehrlich-b/cmdlog/internal/device"
	"github.com/ehrlich-b/cmdlog/internal/logstore"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// defaultReadLimit and maxReadLimit bound ranged reads.
	defaultReadLimit = 4096
	maxReadLimit     = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HTTPHandler serves the log over HTTP:
//
//	GET  /api/log             full log
//	GET  /api/log?offset=N    ranged read (limit=M), 204 past the end
//	POST /api/log             append commands from the body, reply with the log
//	GET  /api/stats           counters as JSON
//	GET  /ws/log              WebSocket append/echo session
//
// With a device attached (SetDevice) it also serves
//
//	POST /api/device                     write to the shared pending command
//	GET  /api/device?record=I&offset=J   read from byte J of the I-th command
type HTTPHandler struct {
	cfg   Config
	store *logstore.Store
	dev   *device.Device
	log   *slog.Logger
	mux   *http.ServeMux
}

// NewHTTPHandler creates the HTTP front end.
func NewHTTPHandler(cfg Config, store *logstore.Store, log *slog.Logger) *HTTPHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &HTTPHandler{
		cfg:   cfg,
		store: store,
		log:   log,
		mux:   http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /api/log", h.getLog)
	h.mux.HandleFunc("POST /api/log", h.appendLog)
	h.mux.HandleFunc("GET /api/stats", h.stats)
	h.mux.HandleFunc("GET /ws/log", h.serveWS)
	h.mux.HandleFunc("POST /api/device", h.writeDevice)
	h.mux.HandleFunc("GET /api/device", h.readDevice)
	return h
}

// SetDevice attaches the device served under /api/device.
func (h *HTTPHandler) SetDevice(dev *device.Device) {
	h.dev = dev
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) getLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("offset") == "" {
		data, err := h.store.Snapshot(r.Context())
		if err != nil {
			h.storeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
		return
	}

	offset, err := strconv.ParseInt(q.Get("offset"), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}
	limit := defaultReadLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if limit > maxReadLimit {
			limit = maxReadLimit
		}
	}

	buf := make([]byte, limit)
	n, err := h.store.ReadAt(r.Context(), buf, offset)
	if errors.Is(err, io.EOF) && n == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil && !errors.Is(err, io.EOF) {
		h.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Cmdlog-Offset", strconv.FormatInt(offset, 10))
	w.Write(buf[:n])
}

func (h *HTTPHandler) appendLog(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(h.maxBody())))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	asm := assembler.New(h.cfg.AssemblerOptions()...)
	records, ferr := asm.Feed(body)
	for _, rec := range records {
		if err := h.store.AppendRecord(r.Context(), rec); err != nil {
			h.storeError(w, err)
			return
		}
	}
	if ferr != nil {
		http.Error(w, ferr.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	data, err := h.store.Snapshot(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Cmdlog-Records", strconv.Itoa(len(records)))
	w.Header().Set("X-Cmdlog-Discarded", strconv.Itoa(asm.Pending()))
	w.Write(data)
}

// writeDevice writes the body through a device handle. Bytes after the last
// terminator stay pending on the device and are continued by later writes.
func (h *HTTPHandler) writeDevice(w http.ResponseWriter, r *http.Request) {
	if h.dev == nil {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(h.maxBody())))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	handle := h.dev.Open().WithContext(r.Context())
	defer handle.Close()
	if _, err := handle.Write(body); err != nil {
		if errors.Is(err, assembler.ErrOutOfMemory) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		h.storeError(w, err)
		return
	}
	w.Header().Set("X-Cmdlog-Pending", strconv.Itoa(h.dev.Pending()))
	w.WriteHeader(http.StatusNoContent)
}

// readDevice reads up to limit bytes starting inside the record-th command.
func (h *HTTPHandler) readDevice(w http.ResponseWriter, r *http.Request) {
	if h.dev == nil {
		http.NotFound(w, r)
		return
	}
	if !h.store.Bounded() {
		http.Error(w, "unbounded log keeps no record boundaries", http.StatusNotImplemented)
		return
	}
	q := r.URL.Query()
	record, err := strconv.Atoi(q.Get("record"))
	if err != nil || record < 0 {
		http.Error(w, "invalid record", http.StatusBadRequest)
		return
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
	}
	limit := defaultReadLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(limit, maxReadLimit)
	}

	handle := h.dev.Open().WithContext(r.Context())
	defer handle.Close()
	pos, err := handle.SeekRecord(record, offset)
	if err != nil {
		if errors.Is(err, device.ErrInvalidSeek) {
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		}
		h.storeError(w, err)
		return
	}

	buf := make([]byte, limit)
	n, err := handle.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		h.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Cmdlog-Offset", strconv.FormatInt(pos, 10))
	w.Write(buf[:n])
}

func (h *HTTPHandler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stat(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}

// serveWS runs an append/echo session over a WebSocket. Message boundaries
// carry no meaning; only terminators complete commands.
func (h *HTTPHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log := h.log.With("session", uuid.NewString(), "remote", r.RemoteAddr)
	log.Debug("websocket client connected")

	conn.SetReadLimit(int64(h.maxBody()))
	asm := assembler.New(h.cfg.AssemblerOptions()...)
	ctx := r.Context()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read error", "error", err)
			}
			return
		}

		records, ferr := asm.Feed(message)
		for _, rec := range records {
			if err := h.store.AppendRecord(ctx, rec); err != nil {
				log.Error("append failed", "error", err)
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "append failed"))
				return
			}
			data, err := h.store.Snapshot(ctx)
			if err != nil {
				log.Error("snapshot failed", "error", err)
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				log.Warn("websocket write error", "error", err)
				return
			}
		}
		if ferr != nil {
			log.Warn("discarded oversized record", "error", ferr)
		}
	}
}

func (h *HTTPHandler) maxBody() int {
	if h.cfg.MaxRecordSize > 0 {
		return 4 * h.cfg.MaxRecordSize
	}
	return 4 * assembler.DefaultMaxSize
}

func (h *HTTPHandler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, logstore.ErrStorage):
		h.log.Error("storage failure", "error", err)
		http.Error(w, "storage failure", http.StatusServiceUnavailable)
	case errors.Is(err, logstore.ErrClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	default:
		h.log.Error("log store error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
