package models

import "time"

// User is an account that owns chats and API credentials.
type User struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Email        string `gorm:"size:256;not null;uniqueIndex"`
	PasswordHash string `gorm:"size:128"`
	GitHubLogin  string `gorm:"size:64;index"`
	CreatedAt    time.Time

	Profile *Profile `gorm:"foreignKey:UserID"`
	Chats   []Chat   `gorm:"foreignKey:UserID"`
}

// Profile holds per-user provider credentials. Keys are stored verbatim and
// only ever surfaced to the API as set/unset booleans.
type Profile struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	UserID        uint   `gorm:"not null;uniqueIndex"`
	OpenAIKey     string `gorm:"size:256"`
	OpenRouterKey string `gorm:"size:256"`
	UpdatedAt     time.Time
}

// KeyFor returns the stored credential for a provider name, or empty when
// the user has none for it.
func (p *Profile) KeyFor(provider string) string {
	switch provider {
	case "openai":
		return p.OpenAIKey
	case "openrouter":
		return p.OpenRouterKey
	default:
		return ""
	}
}
