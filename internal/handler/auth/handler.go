package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/middleware"
	"github.com/zhouzirui/z-chat/backend/internal/model/user"
	authService "github.com/zhouzirui/z-chat/backend/internal/service/auth"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Handler 账号注册、登录相关的HTTP处理器
type Handler struct {
	service *authService.Service
	log     *zap.Logger
}

// New 创建认证处理器
func New(service *authService.Service, log *zap.Logger) *Handler {
	return &Handler{service: service, log: logger.OrNop(log)}
}

// RegisterRoutes 注册无需认证的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/register", h.handleRegister)
	r.Post("/auth/login", h.handleLogin)
}

// RegisterProtectedRoutes 注册需要认证的路由
func (h *Handler) RegisterProtectedRoutes(r chi.Router) {
	r.Post("/auth/logout", h.handleLogout)

	r.Route("/users", func(r chi.Router) {
		r.Get("/me", h.handleMe)
		r.Put("/me", h.handleUpdateMe)
		r.Put("/me/password", h.handleChangePassword)
		r.Get("/search", h.handleSearchByPhone)
		r.Post("/batch", h.handleBatch)
	})
}

type registerRequest struct {
	Username string `json:"username"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Avatar   string `json:"avatar"`
}

// sessionResponse 登录成功后返回令牌与用户信息
type sessionResponse struct {
	Token string     `json:"token"`
	User  *user.User `json:"user"`
}

// handleRegister 注册账号并直接签发令牌
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload registerRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	u, err := h.service.Register(r.Context(), authService.RegisterInput{
		Username: payload.Username,
		Phone:    payload.Phone,
		Password: payload.Password,
		Avatar:   payload.Avatar,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}

	token, err := h.service.Issue(u)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, sessionResponse{Token: token, User: u})
}

type loginRequest struct {
	Username string `json:"username"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// handleLogin 使用用户名或手机号登录
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload loginRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	identifier := strings.TrimSpace(payload.Username)
	if identifier == "" {
		identifier = strings.TrimSpace(payload.Phone)
	}

	token, u, err := h.service.Login(r.Context(), identifier, payload.Password)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessionResponse{Token: token, User: u})
}

// handleLogout 注销当前令牌
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), middleware.Token(r.Context())); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMe 返回当前登录用户
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.Me(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, u)
}

// handleUpdateMe 修改用户名、手机号或头像，未提供的字段保持不变
func (h *Handler) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var payload authService.ProfileInput
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	u, err := h.service.UpdateProfile(r.Context(), middleware.UserID(r.Context()), payload)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, u)
}

type passwordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// handleChangePassword 校验旧密码后更新密码
func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var payload passwordRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	err := h.service.ChangePassword(r.Context(), middleware.UserID(r.Context()), payload.CurrentPassword, payload.NewPassword)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSearchByPhone 按手机号精确查找用户
func (h *Handler) handleSearchByPhone(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.FindByPhone(r.Context(), r.URL.Query().Get("phone"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, u.Profile())
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

// handleBatch 批量查询用户公开资料，未知 ID 被忽略
func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var payload batchRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	users, err := h.service.Users(r.Context(), payload.IDs)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	profiles := make([]user.Profile, 0, len(users))
	for i := range users {
		profiles = append(profiles, users[i].Profile())
	}
	utils.RespondJSON(w, http.StatusOK, profiles)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("auth request failed", zap.Error(err))
		utils.RespondError(w, status, "internal error")
		return
	}
	utils.RespondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, authService.ErrUsernameRequired),
		errors.Is(err, authService.ErrWeakPassword),
		errors.Is(err, authService.ErrPhoneRequired),
		errors.Is(err, authService.ErrTooManyUsers):
		return http.StatusBadRequest
	case errors.Is(err, authService.ErrWrongPassword):
		return http.StatusForbidden
	case errors.Is(err, authService.ErrInvalidCredentials),
		errors.Is(err, authService.ErrInvalidToken),
		errors.Is(err, authService.ErrTokenRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, authService.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, authService.ErrAccountExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
