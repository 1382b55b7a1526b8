package server

import (
	"net/http"
	"time"

	"pmpsync/logger"
)

// statusWriter 包装 http.ResponseWriter，记录状态码与响应长度
type statusWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (length int, err error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	length, err = w.ResponseWriter.Write(b)
	w.length += length
	return
}

// httpLog 每个请求记录一行访问日志
func httpLog(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(writer, r)
		if writer.status == 0 {
			writer.status = http.StatusOK
		}

		fields := []logger.Field{
			logger.String("remote", r.RemoteAddr),
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", writer.status),
			logger.Int("bytes", writer.length),
			logger.Duration("duration", time.Since(start)),
		}
		if writer.status >= http.StatusInternalServerError {
			logger.Warn("http request", fields...)
		} else {
			logger.Debug("http request", fields...)
		}
	}
}
