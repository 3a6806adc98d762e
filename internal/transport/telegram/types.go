package telegram

import "encoding/json"

// Wire types for the subset of the Bot API the relay uses.

type apiResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result"`
	ErrorCode   int                 `json:"error_code"`
	Description string              `json:"description"`
	Parameters  *responseParameters `json:"parameters"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after"`
}

// Update is one long-poll result entry.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an inbound or sent chat message.
type Message struct {
	MessageID      int      `json:"message_id"`
	From           *User    `json:"from"`
	Chat           Chat     `json:"chat"`
	Text           string   `json:"text"`
	Caption        string   `json:"caption"`
	Voice          *Voice   `json:"voice"`
	Audio          *Audio   `json:"audio"`
	ReplyToMessage *Message `json:"reply_to_message"`
	ThreadID       int      `json:"message_thread_id"`
	IsTopicMessage bool     `json:"is_topic_message"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

const (
	chatTypePrivate    = "private"
	chatTypeGroup      = "group"
	chatTypeSupergroup = "supergroup"
)

// User is a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// Name returns the handle the original bot logs and meters under: the
// @username when set, the first name otherwise.
func (u *User) Name() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return u.FirstName
}

// Voice is a recorded voice note.
type Voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
}

// Audio is an uploaded audio file.
type Audio struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	FileName string `json:"file_name"`
}

// ChatMember is the getChatMember result; only the status matters here.
type ChatMember struct {
	Status string `json:"status"`
}

// File is the getFile result used to build a download URL.
type File struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}
