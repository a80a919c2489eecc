package middleware

import (
	"net/http"
	"time"

	"github.com/marketchat/internal/logger"
)

// RequestLog пишет method, path, статус и время выполнения запроса (асинхронно).
// WebSocket upgrade логируется только по времени жизни соединения.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap, ok := w.(*responseWriter)
		if !ok {
			wrap = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		next.ServeHTTP(wrap, r)
		if wrap.hijacked {
			logger.Infof("ws %s closed after %v", r.URL.Path, time.Since(start).Round(time.Millisecond))
			return
		}
		logger.Infof("http %s %s %d %dB %v", r.Method, r.URL.Path, wrap.status, wrap.bytes, time.Since(start))
	})
}
