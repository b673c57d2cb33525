// Package auth carries the acting user of a request.
package auth

import "context"

const (
	SystemUser = "System"
	GuestUser  = "guest"
	AdminUser  = "admin"

	AllAuthorities = "GROUP_EVERYONE"
)

type userKey struct{}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// User returns the acting user, or "" when the request is unauthenticated.
func User(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

// RunAs binds user as the acting user for fn.
func RunAs(ctx context.Context, user string, fn func(ctx context.Context) error) error {
	return fn(WithUser(ctx, user))
}
