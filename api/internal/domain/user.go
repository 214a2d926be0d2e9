package domain

import "time"

// Linkage providers.
const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"
)

// User represents a platform account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Linkage is an external account connection. Token holds AES-GCM ciphertext.
type Linkage struct {
	UserID      string    `json:"user_id"`
	Provider    string    `json:"provider"`
	AccountName string    `json:"account_name"`
	Token       []byte    `json:"-"`
	ConnectedAt time.Time `json:"connected_at"`
}
