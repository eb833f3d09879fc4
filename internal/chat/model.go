package chat

import "time"

// SenderRole attributes a message to one side of the pair.
type SenderRole string

const (
	SenderRequester SenderRole = "requester"
	SenderProvider  SenderRole = "provider"
)

// Message is one entry of a pair's ordered stream. The channel id equals
// the pair key, so either party computes it locally and the access gate's
// pair check also gates the channel. Messages are append-only: no edit or
// delete exists, and ordering comes from the server-assigned CreatedAt.
type Message struct {
	ID         string     `gorm:"column:id;primaryKey;size:190;not null"`
	ChannelID  string     `gorm:"column:channel_id;size:384;not null;index:idx_messages_channel_time,priority:1"`
	SenderID   string     `gorm:"column:sender_id;size:190;not null"`
	SenderRole SenderRole `gorm:"column:sender_role;size:32;not null"`
	Body       string     `gorm:"column:body;type:text;not null"`
	CreatedAt  time.Time  `gorm:"column:created_at;index:idx_messages_channel_time,priority:2"`
}

// TableName exposes the table backing chat messages.
func (Message) TableName() string {
	return "chat_messages"
}
