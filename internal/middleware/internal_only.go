package middleware

import (
	"net"
	"net/http"
	"os"
	"strings"
)

// InternalOnly пускает запрос только с приватных IP или с заголовком X-Internal-Secret == INTERNAL_SECRET.
// Закрывает служебные ручки (заведение пользователей и выдачу токенов) от внешней сети.
func InternalOnly(next http.Handler) http.Handler {
	secret := strings.TrimSpace(os.Getenv("INTERNAL_SECRET"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret != "" && r.Header.Get("X-Internal-Secret") == secret {
			next.ServeHTTP(w, r)
			return
		}
		if ip := clientIP(r); ip != "" && isPrivateIP(ip) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSONError(w, http.StatusForbidden, "forbidden")
	})
}

// clientIP: X-Real-Ip > первый адрес X-Forwarded-For > RemoteAddr.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx > 0 {
			ip = ip[:idx]
		}
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
