package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"feishubot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes ---

type sentMessage struct {
	idType    string
	receiveID string
	msgType   string
	content   string
}

type sentFile struct {
	fileType string
	fileName string
	size     int
}

type fakeLarkAPI struct {
	mu        sync.Mutex
	messages  []sentMessage
	reactions []string
	images    []string
	files     []sentFile

	resource    resourcePayload
	resourceErr error
	imageErr    error
	fileErr     error
	messageErr  error
}

func (a *fakeLarkAPI) CreateMessage(_ context.Context, idType, receiveID, msgType, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.messageErr != nil {
		return a.messageErr
	}
	a.messages = append(a.messages, sentMessage{idType, receiveID, msgType, content})
	return nil
}

func (a *fakeLarkAPI) CreateReaction(_ context.Context, messageID, emojiType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reactions = append(a.reactions, messageID+":"+emojiType)
	return nil
}

func (a *fakeLarkAPI) CreateImage(_ context.Context, fileName string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.imageErr != nil {
		return "", a.imageErr
	}
	a.images = append(a.images, fileName)
	return "img_key_1", nil
}

func (a *fakeLarkAPI) CreateFile(_ context.Context, fileType, fileName string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fileErr != nil {
		return "", a.fileErr
	}
	a.files = append(a.files, sentFile{fileType, fileName, len(data)})
	return "file_key_1", nil
}

func (a *fakeLarkAPI) GetMessageResource(_ context.Context, messageID, fileKey, resourceType string) (resourcePayload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resourceErr != nil {
		return resourcePayload{}, a.resourceErr
	}
	return a.resource, nil
}

func (a *fakeLarkAPI) sentMessages() []sentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentMessage(nil), a.messages...)
}

func (a *fakeLarkAPI) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages) + len(a.images) + len(a.files)
}

type fakeBus struct {
	mu        sync.Mutex
	published chan domain.InboundMessage
	handlers  map[string]func(domain.OutboundMessage)
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(chan domain.InboundMessage, 16),
		handlers:  make(map[string]func(domain.OutboundMessage)),
	}
}

func (b *fakeBus) Publish(msg domain.InboundMessage) { b.published <- msg }

func (b *fakeBus) Subscribe() <-chan domain.InboundMessage { return b.published }

func (b *fakeBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.Lock()
	handler := b.handlers[msg.Channel]
	b.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (b *fakeBus) OnOutbound(name string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = handler
}

func (b *fakeBus) Close() {}

// --- helpers ---

func newTestFeishu(t *testing.T, api larkAPI, bus domain.MessageBus) *Feishu {
	t.Helper()
	f := NewFeishu(FeishuConfig{
		AppID:     "cli_test",
		AppSecret: "secret",
		Workspace: t.TempDir(),
		Logger:    testLogger(),
	})
	f.api = api
	f.bus = bus
	return f
}

func receiveEvent(id, senderType, senderID, chatID, chatType, msgType, content string) *larkim.P2MessageReceiveV1 {
	return &larkim.P2MessageReceiveV1{
		Event: &larkim.P2MessageReceiveV1Data{
			Sender: &larkim.EventSender{
				SenderType: &senderType,
				SenderId:   &larkim.UserId{OpenId: &senderID},
			},
			Message: &larkim.EventMessage{
				MessageId:   &id,
				ChatId:      &chatID,
				ChatType:    &chatType,
				MessageType: &msgType,
				Content:     &content,
			},
		},
	}
}

func waitPublish(t *testing.T, bus *fakeBus) domain.InboundMessage {
	t.Helper()
	select {
	case msg := <-bus.published:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus publish")
		return domain.InboundMessage{}
	}
}

func assertNoPublish(t *testing.T, bus *fakeBus) {
	t.Helper()
	select {
	case msg := <-bus.published:
		t.Fatalf("unexpected publish: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// --- inbound pipeline ---

func TestHandleEvent_PublishesDecodedText(t *testing.T) {
	api := &fakeLarkAPI{}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.handleEvent(context.Background(),
		receiveEvent("om_1", "user", "ou_user", "oc_chat", "group", "text", `{"text":"hello"}`))

	msg := waitPublish(t, bus)
	if msg.Channel != "feishu" {
		t.Errorf("unexpected channel %q", msg.Channel)
	}
	if msg.Content != "hello" {
		t.Errorf("expected decoded text, got %q", msg.Content)
	}
	if msg.ChatID != "oc_chat" {
		t.Errorf("group message should reply to the chat, got %q", msg.ChatID)
	}
	if msg.SenderID != "ou_user" {
		t.Errorf("unexpected sender %q", msg.SenderID)
	}
	if msg.Metadata["message_id"] != "om_1" {
		t.Errorf("unexpected metadata: %v", msg.Metadata)
	}
}

func TestHandleEvent_P2PRepliesToSender(t *testing.T) {
	api := &fakeLarkAPI{}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.handleEvent(context.Background(),
		receiveEvent("om_2", "user", "ou_user", "oc_chat", "p2p", "text", `{"text":"hi"}`))

	msg := waitPublish(t, bus)
	if msg.ChatID != "ou_user" {
		t.Errorf("p2p message should reply to the sender, got %q", msg.ChatID)
	}
}

func TestHandleEvent_SuppressesDuplicates(t *testing.T) {
	api := &fakeLarkAPI{}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)
	event := receiveEvent("om_dup", "user", "ou_user", "oc_chat", "group", "text", `{"text":"once"}`)

	f.handleEvent(context.Background(), event)
	waitPublish(t, bus)

	f.handleEvent(context.Background(), event)
	assertNoPublish(t, bus)
}

func TestHandleEvent_SkipsBotSender(t *testing.T) {
	api := &fakeLarkAPI{}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.handleEvent(context.Background(),
		receiveEvent("om_bot", "bot", "ou_bot", "oc_chat", "group", "text", `{"text":"loop"}`))

	assertNoPublish(t, bus)
}

func TestHandleEvent_RawTextFallback(t *testing.T) {
	api := &fakeLarkAPI{}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.handleEvent(context.Background(),
		receiveEvent("om_raw", "user", "ou_user", "oc_chat", "p2p", "text", "not json at all"))

	msg := waitPublish(t, bus)
	if msg.Content != "not json at all" {
		t.Errorf("undecodable content should pass through raw, got %q", msg.Content)
	}
}

func TestHandleEvent_EmptyMessageFallback(t *testing.T) {
	api := &fakeLarkAPI{}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.handleEvent(context.Background(),
		receiveEvent("om_empty", "user", "ou_user", "oc_chat", "p2p", "text", `{"text":""}`))

	msg := waitPublish(t, bus)
	if msg.Content != "[empty message]" {
		t.Errorf("expected empty message placeholder, got %q", msg.Content)
	}
}

func TestHandleEvent_DownloadsImage(t *testing.T) {
	api := &fakeLarkAPI{
		resource: resourcePayload{data: []byte("png-bytes"), fileName: "photo.png"},
	}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.handleEvent(context.Background(),
		receiveEvent("om_img", "user", "ou_user", "oc_chat", "p2p", "image", `{"image_key":"img_abc"}`))

	msg := waitPublish(t, bus)
	if len(msg.Media) != 1 {
		t.Fatalf("expected 1 media path, got %v", msg.Media)
	}
	path := msg.Media[0]
	if filepath.Base(path) != "photo.png" {
		t.Errorf("unexpected stored name: %s", path)
	}
	if msg.Content != "[image: "+path+"]" {
		t.Errorf("unexpected content: %q", msg.Content)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("media file should exist: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("unexpected file contents: %q", data)
	}
}

func TestHandleEvent_DownloadFailure(t *testing.T) {
	api := &fakeLarkAPI{resourceErr: io.ErrUnexpectedEOF}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.handleEvent(context.Background(),
		receiveEvent("om_fail", "user", "ou_user", "oc_chat", "p2p", "image", `{"image_key":"img_abc"}`))

	msg := waitPublish(t, bus)
	if msg.Content != "[image: download failed]" {
		t.Errorf("unexpected content: %q", msg.Content)
	}
	if len(msg.Media) != 0 {
		t.Errorf("failed download should not attach media: %v", msg.Media)
	}
}

func TestHandleEvent_MissingFileKey(t *testing.T) {
	api := &fakeLarkAPI{}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.handleEvent(context.Background(),
		receiveEvent("om_nokey", "user", "ou_user", "oc_chat", "p2p", "file", `{}`))

	msg := waitPublish(t, bus)
	if msg.Content != "[file]" {
		t.Errorf("expected placeholder, got %q", msg.Content)
	}
}

func TestHandleEvent_CaptionAppended(t *testing.T) {
	api := &fakeLarkAPI{
		resource: resourcePayload{data: []byte("x"), fileName: "pic.jpg"},
	}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.handleEvent(context.Background(),
		receiveEvent("om_cap", "user", "ou_user", "oc_chat", "p2p", "image",
			`{"image_key":"img_abc","text":"look at this"}`))

	msg := waitPublish(t, bus)
	lines := strings.Split(msg.Content, "\n")
	if len(lines) != 2 || lines[1] != "look at this" {
		t.Errorf("expected caption on second line, got %q", msg.Content)
	}
}

func TestHandleEvent_SendsReaction(t *testing.T) {
	api := &fakeLarkAPI{}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.handleEvent(context.Background(),
		receiveEvent("om_react", "user", "ou_user", "oc_chat", "p2p", "text", `{"text":"hi"}`))
	waitPublish(t, bus)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		api.mu.Lock()
		n := len(api.reactions)
		var last string
		if n > 0 {
			last = api.reactions[n-1]
		}
		api.mu.Unlock()
		if n > 0 {
			if last != "om_react:OK" {
				t.Errorf("unexpected reaction: %s", last)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reaction was never sent")
}

// --- outbound ---

func TestDeliverOutbound_TextAsCard(t *testing.T) {
	api := &fakeLarkAPI{}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.deliverOutbound(context.Background(), domain.OutboundMessage{
		Channel: "feishu",
		ChatID:  "oc_group",
		Content: "hello",
	})

	sent := api.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].msgType != larkim.MsgTypeInteractive {
		t.Errorf("expected interactive message, got %q", sent[0].msgType)
	}
	if sent[0].idType != larkim.ReceiveIdTypeChatId {
		t.Errorf("oc_ target should use chat_id, got %q", sent[0].idType)
	}
	var card cardPayload
	if err := json.Unmarshal([]byte(sent[0].content), &card); err != nil {
		t.Fatalf("card content is not valid JSON: %v", err)
	}
	if !card.Config.WideScreenMode {
		t.Error("wide_screen_mode should be set")
	}
}

func TestDeliverOutbound_OpenIDTarget(t *testing.T) {
	api := &fakeLarkAPI{}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	f.deliverOutbound(context.Background(), domain.OutboundMessage{
		Channel: "feishu",
		ChatID:  "ou_user",
		Content: "hi",
	})

	sent := api.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].idType != larkim.ReceiveIdTypeOpenId {
		t.Errorf("non-oc_ target should use open_id, got %q", sent[0].idType)
	}
}

func TestDeliverOutbound_MediaThenText(t *testing.T) {
	api := &fakeLarkAPI{}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	dir := t.TempDir()
	imgPath := filepath.Join(dir, "chart.png")
	pngData := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}, []byte("body")...)
	if err := os.WriteFile(imgPath, pngData, 0o644); err != nil {
		t.Fatal(err)
	}

	f.deliverOutbound(context.Background(), domain.OutboundMessage{
		Channel: "feishu",
		ChatID:  "oc_group",
		Content: "caption text",
		Media:   []string{imgPath},
	})

	sent := api.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("expected image message then card, got %d messages", len(sent))
	}
	if sent[0].msgType != larkim.MsgTypeImage {
		t.Errorf("first message should be the image, got %q", sent[0].msgType)
	}
	if !strings.Contains(sent[0].content, "img_key_1") {
		t.Errorf("image message should carry the upload key: %s", sent[0].content)
	}
	if sent[1].msgType != larkim.MsgTypeInteractive {
		t.Errorf("second message should be the card, got %q", sent[1].msgType)
	}
}

func TestDeliverOutbound_UploadFailureSkipsMedia(t *testing.T) {
	api := &fakeLarkAPI{imageErr: io.ErrUnexpectedEOF}
	bus := newFakeBus()
	f := newTestFeishu(t, api, bus)

	dir := t.TempDir()
	imgPath := filepath.Join(dir, "broken.jpg")
	if err := os.WriteFile(imgPath, []byte{0xFF, 0xD8, 0xFF, 0x00}, 0o644); err != nil {
		t.Fatal(err)
	}

	f.deliverOutbound(context.Background(), domain.OutboundMessage{
		Channel: "feishu",
		ChatID:  "ou_user",
		Content: "still goes out",
		Media:   []string{imgPath},
	})

	sent := api.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected only the text card, got %d messages", len(sent))
	}
	if sent[0].msgType != larkim.MsgTypeInteractive {
		t.Errorf("surviving message should be the card, got %q", sent[0].msgType)
	}
}

func TestReceiveIDType(t *testing.T) {
	if got := receiveIDType("oc_12345"); got != larkim.ReceiveIdTypeChatId {
		t.Errorf("oc_ prefix should map to chat_id, got %q", got)
	}
	if got := receiveIDType("ou_12345"); got != larkim.ReceiveIdTypeOpenId {
		t.Errorf("open id should map to open_id, got %q", got)
	}
}

func TestExtractEvent_NilSafety(t *testing.T) {
	in := extractEvent(&larkim.P2MessageReceiveV1{})
	if in.messageID != "" {
		t.Errorf("empty event should yield empty message id, got %q", in.messageID)
	}
	if in.senderID != "unknown" {
		t.Errorf("missing sender should default to unknown, got %q", in.senderID)
	}
}
