package middleware

import "strings"

// MaskSessionID masks a session id for logs; the full id must never appear.
func MaskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
