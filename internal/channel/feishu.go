// Package channel implements the platform adapters that bridge external chat
// services onto the message bus.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"feishubot/internal/dedup"
	"feishubot/internal/domain"
	"feishubot/internal/metrics"
)

// eventBuffer is the capacity of the inbound event queue between the SDK
// dispatcher and the pump goroutine.
const eventBuffer = 64

// msgTypePlaceholders is the text shown when a media message carries no
// retrievable content (missing key, unparseable payload).
var msgTypePlaceholders = map[string]string{
	"image":   "[image]",
	"audio":   "[audio]",
	"file":    "[file]",
	"sticker": "[sticker]",
}

// FeishuConfig configures the Feishu channel adapter.
type FeishuConfig struct {
	AppID             string
	AppSecret         string
	EncryptKey        string
	VerificationToken string
	Workspace         string
	Logger            *slog.Logger
}

// Feishu receives messages over the Feishu long connection (websocket) and
// publishes them to the bus; outbound bus messages are rendered to cards and
// sent back through the Open API.
//
// All dispatcher callbacks funnel into a single buffered channel. One pump
// goroutine drains it, performs the dedup check, and hands each surviving
// event to its own goroutine for the blocking I/O, so dedup state is only
// ever touched from one goroutine.
type Feishu struct {
	cfg      FeishuConfig
	logger   *slog.Logger
	api      larkAPI
	bus      domain.MessageBus
	seen     *dedup.Set
	events   chan *larkim.P2MessageReceiveV1
	mediaDir string
}

// NewFeishu creates a Feishu channel from the given config.
func NewFeishu(cfg FeishuConfig) *Feishu {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feishu{
		cfg:      cfg,
		logger:   logger.With("channel", "feishu"),
		seen:     dedup.New(dedup.DefaultCapacity),
		events:   make(chan *larkim.P2MessageReceiveV1, eventBuffer),
		mediaDir: filepath.Join(cfg.Workspace, "media"),
	}
	if cfg.AppID != "" && cfg.AppSecret != "" {
		f.api = newLarkGateway(cfg.AppID, cfg.AppSecret)
	}
	return f
}

// Name returns the channel identifier.
func (f *Feishu) Name() string { return "feishu" }

// Start connects the websocket client and runs the event pump until ctx is
// cancelled. It blocks, so run it in its own goroutine.
func (f *Feishu) Start(ctx context.Context, bus domain.MessageBus) error {
	if f.cfg.AppID == "" || f.cfg.AppSecret == "" {
		return fmt.Errorf("feishu channel requires appId and appSecret")
	}

	f.bus = bus
	if f.api == nil {
		f.api = newLarkGateway(f.cfg.AppID, f.cfg.AppSecret)
	}

	bus.OnOutbound("feishu", func(msg domain.OutboundMessage) {
		f.deliverOutbound(ctx, msg)
	})

	handler := dispatcher.NewEventDispatcher(f.cfg.VerificationToken, f.cfg.EncryptKey).
		OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			select {
			case f.events <- event:
			case <-ctx.Done():
			}
			return nil
		})

	wsClient := larkws.NewClient(f.cfg.AppID, f.cfg.AppSecret,
		larkws.WithEventHandler(handler),
	)
	go func() {
		if err := wsClient.Start(ctx); err != nil && ctx.Err() == nil {
			f.logger.Error("feishu websocket stopped", "error", err)
		}
	}()

	f.logger.Info("feishu channel started")

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("feishu channel stopping")
			return nil
		case event := <-f.events:
			f.handleEvent(ctx, event)
		}
	}
}

// Stop is a no-op: the pump and websocket stop with the Start context.
func (f *Feishu) Stop() error { return nil }

// Send delivers plain text content to a chat, rendered as a card.
func (f *Feishu) Send(ctx context.Context, chatID, content string) error {
	card, err := buildCard(content)
	if err != nil {
		return fmt.Errorf("cannot build card: %w", err)
	}
	metrics.Sends.Inc()
	if err := f.api.CreateMessage(ctx, receiveIDType(chatID), chatID, larkim.MsgTypeInteractive, string(card)); err != nil {
		metrics.SendErrors.Inc()
		return err
	}
	return nil
}

// inboundEvent is the flattened, nil-safe view of a receive event.
type inboundEvent struct {
	messageID  string
	senderType string
	senderID   string
	chatID     string
	chatType   string
	msgType    string
	content    string
}

func extractEvent(event *larkim.P2MessageReceiveV1) inboundEvent {
	var in inboundEvent
	if event == nil || event.Event == nil {
		return in
	}
	if sender := event.Event.Sender; sender != nil {
		in.senderType = deref(sender.SenderType)
		if sender.SenderId != nil {
			in.senderID = deref(sender.SenderId.OpenId)
		}
	}
	if in.senderID == "" {
		in.senderID = "unknown"
	}
	if msg := event.Event.Message; msg != nil {
		in.messageID = deref(msg.MessageId)
		in.chatID = deref(msg.ChatId)
		in.chatType = deref(msg.ChatType)
		in.msgType = deref(msg.MessageType)
		in.content = deref(msg.Content)
	}
	return in
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// handleEvent runs on the pump goroutine: it owns the dedup set, so the
// check-and-record below is atomic without locking. Events that survive are
// processed on their own goroutine.
func (f *Feishu) handleEvent(ctx context.Context, event *larkim.P2MessageReceiveV1) {
	in := extractEvent(event)
	if in.messageID == "" {
		return
	}

	metrics.InboundReceived.Inc()

	if f.seen.SeenOrRecord(in.messageID) {
		metrics.InboundDeduped.Inc()
		f.logger.Debug("duplicate event suppressed", "message_id", in.messageID)
		return
	}
	if in.senderType == "bot" {
		f.logger.Debug("skipping bot message", "message_id", in.messageID)
		return
	}

	go f.processEvent(ctx, in)
}

// processEvent does the blocking work for one inbound message: reaction,
// content decoding, media download, and bus publish.
func (f *Feishu) processEvent(ctx context.Context, in inboundEvent) {
	// Acknowledge receipt without waiting on the result.
	go func() {
		if err := f.api.CreateReaction(ctx, in.messageID, "OK"); err != nil {
			f.logger.Debug("reaction failed", "message_id", in.messageID, "error", err)
		}
	}()

	var parts []string
	var media []string

	if in.msgType == larkim.MsgTypeText {
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(in.content), &payload); err != nil {
			// Not JSON: deliver the raw content rather than dropping the message.
			if in.content != "" {
				parts = append(parts, in.content)
			}
		} else if payload.Text != "" {
			parts = append(parts, payload.Text)
		}
	} else {
		parts, media = f.collectMedia(ctx, in)
	}

	content := strings.Join(parts, "\n")
	if content == "" {
		content = "[empty message]"
	}

	// Group messages reply to the chat, direct messages to the sender.
	replyTo := in.senderID
	if in.chatType == "group" {
		replyTo = in.chatID
	}

	f.bus.Publish(domain.InboundMessage{
		Channel:  "feishu",
		ChatID:   replyTo,
		SenderID: in.senderID,
		Content:  content,
		Media:    media,
		Metadata: map[string]string{
			"message_id": in.messageID,
			"chat_type":  in.chatType,
			"msg_type":   in.msgType,
		},
		Timestamp: time.Now(),
	})
}

// collectMedia decodes a non-text message payload: downloads the attachment
// when a key is present, falls back to a placeholder otherwise, and appends
// any caption text the payload carries.
func (f *Feishu) collectMedia(ctx context.Context, in inboundEvent) (parts []string, media []string) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(in.content), &payload); err != nil {
		f.logger.Error("cannot parse message content", "msg_type", in.msgType, "error", err)
		return []string{placeholderFor(in.msgType)}, nil
	}

	fileKey, _ := payload["file_key"].(string)
	if fileKey == "" && in.msgType == larkim.MsgTypeImage {
		fileKey, _ = payload["image_key"].(string)
	}

	if fileKey == "" {
		f.logger.Warn("no file key in message content", "msg_type", in.msgType)
		parts = append(parts, placeholderFor(in.msgType))
	} else {
		path, err := f.downloadResource(ctx, fileKey, in.msgType, in.messageID)
		if err != nil {
			f.logger.Warn("media download failed",
				"msg_type", in.msgType, "file_key", fileKey, "error", err)
			parts = append(parts, "["+in.msgType+": download failed]")
		} else {
			media = append(media, path)
			parts = append(parts, "["+in.msgType+": "+path+"]")
		}
	}

	if caption, ok := payload["text"].(string); ok && caption != "" {
		parts = append(parts, caption)
	}
	return parts, media
}

func placeholderFor(msgType string) string {
	if p, ok := msgTypePlaceholders[msgType]; ok {
		return p
	}
	return "[" + msgType + "]"
}

// deliverOutbound sends one bus message to the platform: each media path is
// uploaded and sent as its own message, then any text goes out as an
// interactive card. A failed piece is logged and skipped so the rest of the
// message still goes out.
func (f *Feishu) deliverOutbound(ctx context.Context, msg domain.OutboundMessage) {
	idType := receiveIDType(msg.ChatID)

	for _, path := range msg.Media {
		key, category, err := f.uploadMedia(ctx, path)
		if err != nil {
			f.logger.Error("media upload failed", "path", path, "error", err)
			continue
		}

		var msgType, content string
		if category == "image" {
			msgType = larkim.MsgTypeImage
			content = fmt.Sprintf(`{"image_key":%q}`, key)
		} else {
			msgType = larkim.MsgTypeFile
			content = fmt.Sprintf(`{"file_key":%q}`, key)
		}

		metrics.Sends.Inc()
		if err := f.api.CreateMessage(ctx, idType, msg.ChatID, msgType, content); err != nil {
			metrics.SendErrors.Inc()
			f.logger.Error("media send failed", "path", path, "error", err)
		}
	}

	if msg.Content != "" {
		if err := f.Send(ctx, msg.ChatID, msg.Content); err != nil {
			f.logger.Error("message send failed", "chat_id", msg.ChatID, "error", err)
		}
	}
}

// receiveIDType picks the receive_id_type for a target: chat IDs start with
// "oc_", anything else is treated as a user open ID.
func receiveIDType(target string) string {
	if strings.HasPrefix(target, "oc_") {
		return larkim.ReceiveIdTypeChatId
	}
	return larkim.ReceiveIdTypeOpenId
}
