package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"pmpsync/core/library"
	"pmpsync/core/protocol"
	"pmpsync/logger"
	"pmpsync/storage"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

type deviceKey struct{}

func deviceFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(deviceKey{}).(int64)
	return id
}

// TransferHandler 构建传输端口的 HTTP 路由
func (s *Server) TransferHandler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	files := router.NewRoute().Subrouter()
	files.Use(s.authMiddleware)
	files.Handle("/", handlers.CompressHandler(http.HandlerFunc(s.handleList))).Methods(http.MethodGet)
	files.HandleFunc("/{filename}", s.handleDownload).Methods(http.MethodGet, http.MethodHead)
	files.HandleFunc("/{filename}", s.handleUpload).Methods(http.MethodPut)

	return httpLog(router)
}

// authMiddleware 校验设备 id 与会话令牌请求头
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawID := r.Header.Get(protocol.HeaderDeviceID)
		token := r.Header.Get(protocol.HeaderSessionToken)
		if rawID == "" || token == "" {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		deviceID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || deviceID <= 0 {
			http.Error(w, "malformed device id", http.StatusBadRequest)
			return
		}

		device, err := s.devices.GetByID(r.Context(), deviceID)
		if err != nil {
			logger.Error("failed to load device", logger.Int64("deviceId", deviceID), logger.ErrorField(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if device == nil {
			http.Error(w, "unknown device", http.StatusUnauthorized)
			return
		}
		if err := s.issuer.Verify(token, deviceID, device.TokenID); err != nil {
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), deviceKey{}, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleList 返回权威曲目列表
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list := protocol.TrackList{
		LatestActionID: s.log.Latest(),
		Tracks:         s.index.List(),
	}
	writeJSON(w, http.StatusOK, list)
}

// handleDownload 流式返回一个曲库文件，支持 Range 请求
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	if err := storage.ValidateName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f, err := s.library.Open(name)
	if errors.Is(err, storage.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		logger.Error("failed to open library file", logger.String("filename", name), logger.ErrorField(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if rec, ok := s.index.Get(name); ok {
		w.Header().Set("X-Checksum", rec.Checksum)
	}
	cw := &countingWriter{ResponseWriter: w}
	http.ServeContent(cw, r, name, fi.ModTime(), f)
	s.metrics.TransferBytes.WithLabelValues("out").Add(float64(cw.n))
}

// handleUpload 接收已批准的 ADD 或 REPLACE 的上传内容
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	if err := storage.ValidateName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	deviceID := deviceFrom(r.Context())

	lease, err := s.lease.Start(deviceID, name)
	if err != nil {
		logger.Warn("upload without matching lease",
			logger.Int64("deviceId", deviceID),
			logger.String("filename", name))
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	body := &countingReader{r: r.Body}
	id, err := s.committer.Receive(r.Context(), lease, body)
	s.metrics.TransferBytes.WithLabelValues("in").Add(float64(body.n))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, protocol.UploadResult{ActionID: id})
	case errors.Is(err, library.ErrInvalidPayload), errors.Is(err, library.ErrInvalidAction):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, library.ErrLeaseLost):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		logger.Error("upload failed",
			logger.Int64("deviceId", deviceID),
			logger.String("filename", name),
			logger.ErrorField(err))
		http.Error(w, "upload failed", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", logger.ErrorField(err))
	}
}

type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}
