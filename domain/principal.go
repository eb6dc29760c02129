package domain

import "context"

// Roles recognised by the board. Any other role may mutate.
const (
	RoleViewer = "viewer"
	RoleSystem = "system"
)

// SystemActor is the actor id stamped on mutations the service makes itself.
const SystemActor = "system"

// Principal is the authenticated caller of an operation.
type Principal struct {
	ID   string
	Role string
}

// ReadOnly reports whether the principal may only observe the board.
func (p Principal) ReadOnly() bool { return p.Role == RoleViewer }

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached to ctx, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
