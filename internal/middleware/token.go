package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/marketchat/internal/logger"
)

// Bearer-токен имеет вид "<user_id>.<hex(HMAC-SHA256(secret, user_id))>".
// Токены не истекают: это эталонный backend, выдачей занимается основной маркетплейс.

// IssueToken подписывает userID секретом API.
func IssueToken(secret []byte, userID string) string {
	return userID + "." + tokenSignature(secret, userID)
}

// VerifyToken проверяет подпись и возвращает user_id.
func VerifyToken(secret []byte, token string) (string, bool) {
	i := strings.LastIndex(token, ".")
	if i <= 0 || i == len(token)-1 {
		return "", false
	}
	userID, sig := token[:i], token[i+1:]
	if !hmac.Equal([]byte(sig), []byte(tokenSignature(secret, userID))) {
		return "", false
	}
	return userID, true
}

func tokenSignature(secret []byte, userID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// bearerToken берёт токен из Authorization, для WebSocket из браузера допускается ?token=.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// TokenAuth кладёт user_id из bearer-токена в контекст запроса. 401 без валидного токена.
func TokenAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			userID, ok := VerifyToken(secret, token)
			if !ok {
				logger.Debugf("token auth: bad token %s", MaskToken(token))
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
