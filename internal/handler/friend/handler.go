package friend

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/middleware"
	friendModel "github.com/zhouzirui/z-chat/backend/internal/model/friend"
	"github.com/zhouzirui/z-chat/backend/internal/model/user"
	friendService "github.com/zhouzirui/z-chat/backend/internal/service/friend"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// ProfileLookup 批量查询用户公开资料
type ProfileLookup interface {
	ListByIDs(ctx context.Context, ids []string) ([]user.User, error)
}

// Handler 好友关系相关的HTTP处理器
type Handler struct {
	graph *friendService.Graph
	users ProfileLookup
	log   *zap.Logger
}

// New 创建好友处理器
func New(graph *friendService.Graph, users ProfileLookup, log *zap.Logger) *Handler {
	return &Handler{graph: graph, users: users, log: logger.OrNop(log)}
}

// RegisterRoutes 注册好友相关的路由，调用方需先挂载认证中间件
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/friends", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Get("/blocked", h.handleBlocked)
		r.Get("/requests", h.handlePending)
		r.Post("/requests", h.handleSendRequest)
		r.Post("/requests/{requestId}/accept", h.handleAccept)
		r.Delete("/requests/{peerId}", h.handleCancel)
		r.Get("/{peerId}/state", h.handleState)
		r.Delete("/{peerId}", h.handleDelete)
		r.Post("/{peerId}/block", h.handleBlock)
		r.Delete("/{peerId}/block", h.handleUnblock)
	})
}

// handleList 返回当前用户的好友资料列表
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := h.graph.Friends(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	h.respondProfiles(w, r, ids)
}

// handleBlocked 返回当前用户拉黑的用户
func (h *Handler) handleBlocked(w http.ResponseWriter, r *http.Request) {
	ids, err := h.graph.Blocked(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	h.respondProfiles(w, r, ids)
}

// handlePending 返回与当前用户相关的待处理请求
func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	requests, err := h.graph.PendingFor(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, requests)
}

type sendRequestPayload struct {
	ReceiverID string `json:"receiverId"`
	Phone      string `json:"phone"`
}

// handleSendRequest 通过用户ID或手机号发起好友请求
func (h *Handler) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	var payload sendRequestPayload
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	actor := middleware.UserID(r.Context())
	receiverID := strings.TrimSpace(payload.ReceiverID)
	phone := strings.TrimSpace(payload.Phone)

	var (
		req *friendModel.Friend
		err error
	)
	switch {
	case receiverID != "":
		req, err = h.graph.SendRequest(r.Context(), actor, receiverID)
	case phone != "":
		req, err = h.graph.SendRequestByPhone(r.Context(), actor, phone)
	default:
		utils.RespondError(w, http.StatusBadRequest, "receiverId or phone is required")
		return
	}
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, req)
}

// handleAccept 接受好友请求
func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	rel, err := h.graph.Accept(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "requestId"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, rel)
}

// handleCancel 撤回或拒绝与对方之间的待处理请求
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.graph.Cancel(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "peerId")); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleState 查询与对方的关系状态
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	rel, err := h.graph.State(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "peerId"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, rel)
}

// handleDelete 删除好友
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.graph.Delete(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "peerId")); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBlock 拉黑对方
func (h *Handler) handleBlock(w http.ResponseWriter, r *http.Request) {
	rel, err := h.graph.Block(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "peerId"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, rel)
}

// handleUnblock 解除拉黑
func (h *Handler) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if err := h.graph.Unblock(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "peerId")); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondProfiles(w http.ResponseWriter, r *http.Request, ids []string) {
	profiles := make([]user.Profile, 0, len(ids))
	if len(ids) > 0 {
		users, err := h.users.ListByIDs(r.Context(), ids)
		if err != nil {
			h.respondErr(w, err)
			return
		}
		for i := range users {
			profiles = append(profiles, users[i].Profile())
		}
	}
	utils.RespondJSON(w, http.StatusOK, profiles)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("friend request failed", zap.Error(err))
		utils.RespondError(w, status, "internal error")
		return
	}
	utils.RespondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, friendService.ErrSelfRelation):
		return http.StatusBadRequest
	case errors.Is(err, friendService.ErrNotReceiver),
		errors.Is(err, friendService.ErrNotBlocker),
		errors.Is(err, friendService.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, friendService.ErrUserNotFound),
		errors.Is(err, friendService.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, friendService.ErrAlreadyFriends),
		errors.Is(err, friendService.ErrRequestPending),
		errors.Is(err, friendService.ErrNotFriends),
		errors.Is(err, friendService.ErrAlreadyBlocked),
		errors.Is(err, friendService.ErrNotBlocked),
		errors.Is(err, friendService.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
