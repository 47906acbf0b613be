package message

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/middleware"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

const maxMultipartMemory = 32 << 20

// Handler 消息相关的HTTP处理器
type Handler struct {
	router *chatService.Router
	log    *zap.Logger
}

// New 创建消息处理器
func New(router *chatService.Router, log *zap.Logger) *Handler {
	return &Handler{router: router, log: logger.OrNop(log)}
}

// RegisterRoutes 注册消息相关的路由，调用方需先挂载认证中间件
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/message", func(r chi.Router) {
		r.Get("/chat-history/{userId}", h.handleChatHistory)
		r.Get("/chat-history/group/{groupId}", h.handleGroupHistory)
		r.Post("/send", h.handleSend)
		r.Post("/upload-file", h.handleUploadFile)
		r.Get("/all-pinned-messages", h.handlePinned)
		r.Get("/search", h.handleSearch)
		r.Post("/{messageId}/pin", h.handlePin(true))
		r.Delete("/{messageId}/pin", h.handlePin(false))
	})
}

// handleChatHistory 查询两人之间的聊天记录
func (h *Handler) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	messages, err := h.router.ChatHistory(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "userId"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

// handleGroupHistory 查询群聊记录
func (h *Handler) handleGroupHistory(w http.ResponseWriter, r *http.Request) {
	messages, err := h.router.GroupHistory(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "groupId"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

type sendRequest struct {
	ReceiverID       string            `json:"receiverId"`
	GroupID          string            `json:"groupId"`
	Content          string            `json:"content"`
	ReplyToMessageID string            `json:"replyToMessageId"`
	Attachments      []chat.Attachment `json:"attachments"`
}

// handleSend 发送文本消息
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload sendRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	msg, err := h.router.Send(r.Context(), chat.Message{
		SenderID:         middleware.UserID(r.Context()),
		ReceiverID:       payload.ReceiverID,
		GroupID:          payload.GroupID,
		Content:          payload.Content,
		ReplyToMessageID: payload.ReplyToMessageID,
		Attachments:      payload.Attachments,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, msg)
}

// handleUploadFile 批量上传附件，单个文件失败不影响其他文件
func (h *Handler) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	files := make([]chatService.Upload, 0, len(headers))
	for _, fh := range headers {
		fh := fh
		files = append(files, chatService.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}

	target := chat.Target{
		ReceiverID: r.FormValue("receiverId"),
		GroupID:    r.FormValue("groupId"),
	}
	results, err := h.router.UploadBatch(r.Context(), middleware.UserID(r.Context()), target, r.FormValue("replyToMessageId"), files)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, results)
}

// handlePinned 查询置顶消息
func (h *Handler) handlePinned(w http.ResponseWriter, r *http.Request) {
	messages, err := h.router.Pinned(r.Context(), middleware.UserID(r.Context()), scopeFrom(r))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

// handleSearch 按关键字搜索消息
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	messages, err := h.router.Search(r.Context(), middleware.UserID(r.Context()), scopeFrom(r), r.URL.Query().Get("keyword"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

// handlePin 置顶或取消置顶消息
func (h *Handler) handlePin(pinned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := h.router.SetPinned(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "messageId"), pinned)
		if err != nil {
			h.respondErr(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, msg)
	}
}

func scopeFrom(r *http.Request) chat.Scope {
	q := r.URL.Query()
	return chat.Scope{PeerID: q.Get("otherUserId"), GroupID: q.Get("groupId")}
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("message request failed", zap.Error(err))
		utils.RespondError(w, status, "internal error")
		return
	}
	utils.RespondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chatService.ErrInvalidTarget),
		errors.Is(err, chatService.ErrEmptyMessage),
		errors.Is(err, chatService.ErrNoFiles),
		errors.Is(err, chatService.ErrEmptyKeyword),
		errors.Is(err, chatService.ErrReplyNotFound),
		errors.Is(err, chatService.ErrBadAttachment):
		return http.StatusBadRequest
	case errors.Is(err, chatService.ErrBlocked),
		errors.Is(err, chatService.ErrNotMember),
		errors.Is(err, chatService.ErrNotParticipant),
		errors.Is(err, chatService.ErrSearchDisabled):
		return http.StatusForbidden
	case errors.Is(err, chatService.ErrReceiverNotFound),
		errors.Is(err, chatService.ErrGroupNotFound),
		errors.Is(err, chatService.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatService.ErrGroupInactive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
