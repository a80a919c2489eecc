package middleware

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/wire"
)

// responseWriter запоминает статус и размер ответа для RequestLog и RecoverJSON.
// Реализует http.Hijacker для WebSocket upgrade.
type responseWriter struct {
	http.ResponseWriter
	status   int
	bytes    int
	wrote    bool
	hijacked bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.hijacked = true
		w.wrote = true
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// writeJSONError отдаёт тело wire.APIError, как и обработчики API.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.APIError{Error: msg, Code: wire.ErrorCode(status)})
}

// RecoverJSON при панике в handler логирует её со стеком и, если ответ ещё не начат,
// отдаёт 500 с кодом internal. Паника после upgrade только логируется.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Errorf("panic in %s %s user=%s: %v\n%s", r.Method, r.URL.Path, GetUserID(r.Context()), rec, debug.Stack())
			if !wrap.wrote {
				writeJSONError(wrap.ResponseWriter, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(wrap, r)
	})
}
