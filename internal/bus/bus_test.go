package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"feishubot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSubscribe(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "feishu", ChatID: "oc_1", Content: "hello"})

	select {
	case msg := <-b.Subscribe():
		if msg.Content != "hello" {
			t.Errorf("unexpected content: %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSendOutbound_RoutesToHandler(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	got := make(chan domain.OutboundMessage, 1)
	b.OnOutbound("feishu", func(msg domain.OutboundMessage) {
		got <- msg
	})

	b.SendOutbound(domain.OutboundMessage{Channel: "feishu", ChatID: "oc_1", Content: "reply"})

	select {
	case msg := <-got:
		if msg.ChatID != "oc_1" {
			t.Errorf("unexpected chat id: %q", msg.ChatID)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestSendOutbound_NoHandlerDoesNotPanic(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	b.SendOutbound(domain.OutboundMessage{Channel: "unknown", Content: "dropped"})
}

func TestPublishAfterClose(t *testing.T) {
	b := New(10, testLogger())
	b.Close()

	// Must not panic on a closed bus.
	b.Publish(domain.InboundMessage{Channel: "feishu", Content: "late"})
	b.Close() // double close is also safe
}
