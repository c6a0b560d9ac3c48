package models

import (
	"crypto/rand"
	"time"
)

const uidAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// UIDLength is the length of a chat's public identifier.
const UIDLength = 12

// NewUID returns a random lowercase alphanumeric chat identifier.
func NewUID() string {
	buf := make([]byte, UIDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = uidAlphabet[int(b)%len(uidAlphabet)]
	}
	return string(buf)
}

// Chat is a conversation thread bound to one model configuration. The model
// selector has the form "provider:model-name", split on the first colon.
type Chat struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	UID          string `gorm:"size:12;not null;uniqueIndex"`
	Headline     string `gorm:"size:50"`
	Model        string `gorm:"size:128;not null"`
	SystemPrompt string `gorm:"type:text"`
	Tools        string `gorm:"type:text"` // JSON array of enabled tool names
	UserID       *uint  `gorm:"index"`     // nil for anonymous chats
	Shared       bool   `gorm:"default:false"`
	CreatedAt    time.Time

	User    *User    `gorm:"foreignKey:UserID"`
	Prompts []Prompt `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE"`
}
