package middleware

import "strings"

// MaskToken маскирует bearer-токен в логах: user_id виден, подпись нет.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "."); i > 0 {
		return s[:i] + ".***"
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
