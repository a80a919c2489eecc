package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/wire"
)

// maxBodyBytes ограничивает JSON-тело запроса: сообщение с вложениями укладывается с запасом.
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

// writeError отдаёт wire.APIError; code выводится из статуса.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, wire.APIError{Error: msg, Code: wire.ErrorCode(status)})
}

// readJSON декодирует тело в dst. При ошибке сам отвечает 400 (413 для слишком большого тела).
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
