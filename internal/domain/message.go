package domain

import "time"

type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Media     []string          // local paths of downloaded attachments
	Metadata  map[string]string // message_id, chat_type, msg_type
	Timestamp time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Media   []string // local paths to upload before the text is sent
}
