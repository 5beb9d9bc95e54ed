package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// larkAPI is the slice of the Feishu Open API the channel needs. The live
// implementation wraps the official SDK; tests substitute a fake so the
// pipeline runs without network access.
type larkAPI interface {
	CreateMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) error
	CreateReaction(ctx context.Context, messageID, emojiType string) error
	CreateImage(ctx context.Context, fileName string, data []byte) (string, error)
	CreateFile(ctx context.Context, fileType, fileName string, data []byte) (string, error)
	GetMessageResource(ctx context.Context, messageID, fileKey, resourceType string) (resourcePayload, error)
}

// resourcePayload is a downloaded message attachment plus the metadata the
// download orchestrator uses to name it on disk.
type resourcePayload struct {
	data     []byte
	fileName string
	mimeType string
}

// larkGateway is the production larkAPI backed by the official SDK client.
type larkGateway struct {
	client *lark.Client
}

func newLarkGateway(appID, appSecret string) *larkGateway {
	return &larkGateway{client: lark.NewClient(appID, appSecret)}
}

func (g *larkGateway) CreateMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()

	resp, err := g.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("feishu create message failed: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("feishu create message failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	return nil
}

func (g *larkGateway) CreateReaction(ctx context.Context, messageID, emojiType string) error {
	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().
				EmojiType(emojiType).
				Build()).
			Build()).
		Build()

	resp, err := g.client.Im.V1.MessageReaction.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("feishu create reaction failed: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("feishu create reaction failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	return nil
}

func (g *larkGateway) CreateImage(ctx context.Context, fileName string, data []byte) (string, error) {
	req := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkim.ImageTypeMessage).
			Image(bytes.NewReader(data)).
			Build()).
		Build()

	resp, err := g.client.Im.V1.Image.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("feishu upload image failed: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("feishu upload image failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.Data == nil || resp.Data.ImageKey == nil {
		return "", fmt.Errorf("feishu upload image returned no image key for %s", fileName)
	}
	return *resp.Data.ImageKey, nil
}

func (g *larkGateway) CreateFile(ctx context.Context, fileType, fileName string, data []byte) (string, error) {
	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType(fileType).
			FileName(fileName).
			File(bytes.NewReader(data)).
			Build()).
		Build()

	resp, err := g.client.Im.V1.File.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("feishu upload file failed: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("feishu upload file failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.Data == nil || resp.Data.FileKey == nil {
		return "", fmt.Errorf("feishu upload file returned no file key for %s", fileName)
	}
	return *resp.Data.FileKey, nil
}

func (g *larkGateway) GetMessageResource(ctx context.Context, messageID, fileKey, resourceType string) (resourcePayload, error) {
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type(resourceType).
		Build()

	resp, err := g.client.Im.V1.MessageResource.Get(ctx, req)
	if err != nil {
		return resourcePayload{}, fmt.Errorf("feishu get resource failed: %w", err)
	}
	if !resp.Success() {
		return resourcePayload{}, fmt.Errorf("feishu get resource failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.File == nil {
		return resourcePayload{}, fmt.Errorf("feishu get resource returned no payload for %s", fileKey)
	}

	data, err := io.ReadAll(resp.File)
	if err != nil {
		return resourcePayload{}, fmt.Errorf("feishu read resource body failed: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}

	return resourcePayload{
		data:     data,
		fileName: resp.FileName,
		mimeType: mimeType,
	}, nil
}
