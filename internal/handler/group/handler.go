package group

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/middleware"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	groupService "github.com/zhouzirui/z-chat/backend/internal/service/group"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Handler 群组管理相关的HTTP处理器
type Handler struct {
	service *groupService.Service
	log     *zap.Logger
}

// New 创建群组处理器
func New(service *groupService.Service, log *zap.Logger) *Handler {
	return &Handler{service: service, log: logger.OrNop(log)}
}

// RegisterRoutes 注册群组相关的路由，调用方需先挂载认证中间件
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/groups", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/{groupId}", h.handleGet)
		r.Put("/{groupId}", h.handleUpdate)
		r.Delete("/{groupId}", h.handleDissolve)
		r.Post("/{groupId}/members", h.handleAddMembers)
		r.Delete("/{groupId}/members/{userId}", h.handleRemoveMember)
		r.Put("/{groupId}/members/{userId}/role", h.handleAssignRole)
	})
}

type createGroupRequest struct {
	Name      string   `json:"name"`
	Avatar    string   `json:"avatar"`
	MemberIDs []string `json:"memberIds"`
}

// handleCreate 创建群组，创建者成为群主
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload createGroupRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	g, err := h.service.Create(r.Context(), middleware.UserID(r.Context()), payload.Name, payload.Avatar, payload.MemberIDs)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, g)
}

// handleList 列出当前用户所在的群组
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.List(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if groups == nil {
		groups = []chat.Group{}
	}
	utils.RespondJSON(w, http.StatusOK, groups)
}

// handleGet 获取群组详情
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	g, err := h.service.Get(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "groupId"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, g)
}

type updateGroupRequest struct {
	Name   *string `json:"name"`
	Avatar *string `json:"avatar"`
}

// handleUpdate 修改群名称或头像，仅群主与管理员可操作
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var payload updateGroupRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	g, err := h.service.Update(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "groupId"), payload.Name, payload.Avatar)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, g)
}

// handleDissolve 解散群组
func (h *Handler) handleDissolve(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Dissolve(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "groupId")); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addMembersRequest struct {
	UserIDs []string `json:"userIds"`
}

// handleAddMembers 邀请成员入群
func (h *Handler) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	var payload addMembersRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}
	if len(payload.UserIDs) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "userIds is required")
		return
	}

	g, err := h.service.AddMembers(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "groupId"), payload.UserIDs)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, g)
}

// handleRemoveMember 移除成员或主动退群
func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	err := h.service.RemoveMember(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "groupId"), chi.URLParam(r, "userId"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

// handleAssignRole 群主调整成员角色
func (h *Handler) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var payload assignRoleRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	role := chat.Role(strings.ToUpper(strings.TrimSpace(payload.Role)))
	g, err := h.service.AssignRole(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "groupId"), chi.URLParam(r, "userId"), role)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, g)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("group request failed", zap.Error(err))
		utils.RespondError(w, status, "internal error")
		return
	}
	utils.RespondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, groupService.ErrNameRequired),
		errors.Is(err, groupService.ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, groupService.ErrNotMember),
		errors.Is(err, groupService.ErrForbidden),
		errors.Is(err, groupService.ErrOwnerCannotLeave):
		return http.StatusForbidden
	case errors.Is(err, groupService.ErrGroupNotFound),
		errors.Is(err, groupService.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, groupService.ErrGroupInactive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
