package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// Upload is one file of a batch.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// UploadResult is either the created message or a per-file failure.
type UploadResult struct {
	Message *chat.Message
	Error   string
	Reason  string
}

// MarshalJSON renders successes as the message itself and failures as
// {"error", "message"}.
func (u UploadResult) MarshalJSON() ([]byte, error) {
	if u.Message != nil {
		return json.Marshal(u.Message)
	}
	return json.Marshal(map[string]string{
		"error":   u.Error,
		"message": u.Reason,
	})
}

// UploadBatch authorises the target once, then stores and persists each file
// independently. A failing file becomes an error entry and does not stop
// the rest. Successful messages are routed like Send.
func (r *Router) UploadBatch(ctx context.Context, senderID string, target chat.Target, replyTo string, files []Upload) ([]UploadResult, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	recipients, err := r.authorize(ctx, senderID, target)
	if err != nil {
		return nil, err
	}
	if err := r.checkReply(ctx, senderID, target, replyTo); err != nil {
		return nil, err
	}

	results := make([]UploadResult, 0, len(files))
	created := make([]chat.Message, 0, len(files))
	for _, f := range files {
		msg, err := r.uploadOne(ctx, senderID, target, replyTo, f)
		if err != nil {
			r.log.Warn("upload failed",
				zap.String("sender", senderID),
				zap.String("file", f.Filename),
				zap.Error(err),
			)
			results = append(results, UploadResult{
				Error:  "Failed to upload " + f.Filename,
				Reason: err.Error(),
			})
			continue
		}
		results = append(results, UploadResult{Message: &msg})
		created = append(created, msg)
	}

	r.log.Info("upload batch processed",
		zap.String("sender", senderID),
		zap.Int("files", len(files)),
		zap.Int("succeeded", len(created)),
	)

	for _, msg := range created {
		r.route(ctx, recipients, msg)
	}
	return results, nil
}

func (r *Router) uploadOne(ctx context.Context, senderID string, target chat.Target, replyTo string, f Upload) (chat.Message, error) {
	if f.Open == nil {
		return chat.Message{}, fmt.Errorf("file %q has no content", f.Filename)
	}
	src, err := f.Open()
	if err != nil {
		return chat.Message{}, fmt.Errorf("open: %w", err)
	}
	defer src.Close()

	obj, err := r.uploader.Upload(ctx, f.Filename, f.ContentType, f.Size, src)
	if err != nil {
		return chat.Message{}, err
	}

	msg := chat.Message{
		SenderID:         senderID,
		ReceiverID:       target.ReceiverID,
		GroupID:          target.GroupID,
		Type:             chat.TypeForContent(obj.ContentType),
		Content:          strings.TrimSpace(obj.Name),
		ReplyToMessageID: replyTo,
		Attachments: []chat.Attachment{{
			URL:         obj.URL,
			Name:        obj.Name,
			ContentType: obj.ContentType,
			Size:        obj.Size,
		}},
	}
	if err := r.persist(ctx, &msg); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}
