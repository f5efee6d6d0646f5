package thread

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Role enumerates the two participants of a thread.
type Role string

const (
	// RoleDevice marks messages sent by the embedded client.
	RoleDevice Role = "device"
	// RoleWeb marks messages sent by the paired web viewer.
	RoleWeb Role = "web"
)

const (
	maxMessageRunes = 280
)

var (
	// ErrInvalidRole indicates an unknown participant role.
	ErrInvalidRole = errors.New("thread: invalid role")
	// ErrInvalidText indicates message text outside the 1-280 character range.
	ErrInvalidText = errors.New("thread: invalid message text")
)

// ParseRole validates raw input and returns a Role.
func ParseRole(rawInput string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(RoleDevice):
		return RoleDevice, nil
	case string(RoleWeb):
		return RoleWeb, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// MessageText represents validated message content.
type MessageText string

// NewMessageText validates raw input and returns a MessageText. Length is
// counted in characters, not bytes, so multi-byte text gets the full budget.
func NewMessageText(rawInput string) (MessageText, error) {
	if !utf8.ValidString(rawInput) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidText)
	}
	count := utf8.RuneCountInString(rawInput)
	if count < 1 {
		return "", fmt.Errorf("%w: empty", ErrInvalidText)
	}
	if count > maxMessageRunes {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidText, maxMessageRunes)
	}
	return MessageText(rawInput), nil
}

// String returns the underlying text.
func (t MessageText) String() string {
	return string(t)
}

// Thread models the per-conversation high-water mark. LastMsgID only ever
// increases and every message in the thread has an identifier between 1 and it
// with no gaps.
type Thread struct {
	ThreadID  string    `gorm:"column:thread_id;primaryKey;size:190;not null"`
	LastMsgID int64     `gorm:"column:last_msg_id;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Thread) TableName() string {
	return "threads"
}

// Message models one immutable chat message. The composite key keeps messages
// an ordered sub-collection of their thread.
type Message struct {
	ThreadID string `gorm:"column:thread_id;primaryKey;size:190;not null"`
	MsgID    int64  `gorm:"column:msg_id;primaryKey;not null"`
	From     Role   `gorm:"column:from_role;size:16;not null"`
	Text     string `gorm:"column:text;type:text;not null"`
	TSMillis int64  `gorm:"column:ts_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}
