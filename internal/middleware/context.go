package middleware

import "context"

type contextKey string

const UserIDKey contextKey = "user_id"

var SessionIDKey contextKey = "session_id"

// GetUserID returns the user_id from the context (set by SessionAuth).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}
