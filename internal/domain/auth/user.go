package auth

import "context"

// Roles carried in access tokens.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the authenticated caller attached to a request context.
type User struct {
	ID    string
	Name  string
	Email string
	Role  string
}

// IsAdmin reports whether the user may perform privileged operations.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

type userKey struct{}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext extracts the authenticated user. The second return value
// is false for unauthenticated requests.
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok
}
