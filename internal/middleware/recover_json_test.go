package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/wire"
)

func decodeAPIError(t *testing.T, w *httptest.ResponseRecorder) wire.APIError {
	t.Helper()
	require.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	var e wire.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestRecoverJSON(t *testing.T) {
	t.Run("before response", func(t *testing.T) {
		h := RecoverJSON(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/messages", nil))
		require.Equal(t, http.StatusInternalServerError, w.Code)
		require.Equal(t, wire.APIError{Error: "internal server error", Code: wire.CodeInternal}, decodeAPIError(t, w))
	})

	t.Run("after response started", func(t *testing.T) {
		h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			panic("late")
		}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusAccepted, w.Code)
		require.Empty(t, w.Body.String())
	})
}

func TestMiddlewareErrorsAreAPIErrors(t *testing.T) {
	h := TokenAuth(testSecret)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, wire.CodeUnauthorized, decodeAPIError(t, w).Code)
}

func TestResponseWriterCountsBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &responseWriter{ResponseWriter: rec, status: http.StatusOK}
	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	require.True(t, w.wrote)
	require.Equal(t, 5, w.bytes)
	require.Equal(t, http.StatusOK, w.status)
}
