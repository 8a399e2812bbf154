package auth

import "context"

type ctxKey string

const userKey ctxKey = "user"

// User is the authenticated caller of a gateway action.
type User struct {
	ID       int64
	Email    string
	ClientID int64
	Role     string
}

func (u *User) IsStaff() bool {
	return u != nil && u.Role == RoleStaff
}

// ActiveClient is the client account the user is acting for, 0 if none.
func (u *User) ActiveClient() int64 {
	if u == nil {
		return 0
	}
	return u.ClientID
}

func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

func UserFrom(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey).(*User)
	return u, ok && u != nil
}
