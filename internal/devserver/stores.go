package devserver

import "context"

// UserAccount is the server-side view of an application user.
type UserAccount struct {
	UserID            string
	Email             string
	DisplayName       string
	ProfilePictureURL string
	Credits           int64
}

// UserStore persists application users and their credit balances.
type UserStore interface {
	// UpsertGoogleUser inserts or updates a user keyed by Google subject
	// and reports whether the account was just created.
	UpsertGoogleUser(ctx context.Context, googleSub string, email string, displayName string, pictureURL string, starterCredits int64) (account UserAccount, isNewUser bool, err error)
	// GetUser returns a user by application id.
	GetUser(ctx context.Context, userID string) (UserAccount, error)
	// SpendCredits atomically deducts cost and returns the new balance.
	SpendCredits(ctx context.Context, userID string, cost int64) (remaining int64, err error)
}

// RefreshTokenStore manages long-lived rotating refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (userID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}
