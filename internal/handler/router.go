package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	authHandler "github.com/zhouzirui/z-chat/backend/internal/handler/auth"
	friendHandler "github.com/zhouzirui/z-chat/backend/internal/handler/friend"
	groupHandler "github.com/zhouzirui/z-chat/backend/internal/handler/group"
	"github.com/zhouzirui/z-chat/backend/internal/handler/message"
	"github.com/zhouzirui/z-chat/backend/internal/handler/realtime"
	middlewarePkg "github.com/zhouzirui/z-chat/backend/internal/middleware"
	authService "github.com/zhouzirui/z-chat/backend/internal/service/auth"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	friendService "github.com/zhouzirui/z-chat/backend/internal/service/friend"
	groupService "github.com/zhouzirui/z-chat/backend/internal/service/group"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Services 路由依赖的核心服务
type Services struct {
	Auth     *authService.Service
	Chat     *chatService.Router
	Friends  *friendService.Graph
	Groups   *groupService.Service
	Users    friendHandler.ProfileLookup
	// Realtime 由调用方创建，以便关闭时先排空连接；为空则不注册 /ws
	Realtime *realtime.WebSocketHandler

	// Ping 用于健康检查，可为空
	Ping func(ctx context.Context) error
}

// Options 路由选项
type Options struct {
	UploadDir     string
	UploadBaseURL string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services, opts Options, log *zap.Logger) http.Handler {
	log = logger.OrNop(log)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	// Create handlers
	authH := authHandler.New(svc.Auth, log)
	messageH := message.New(svc.Chat, log)
	friendH := friendHandler.New(svc.Friends, svc.Users, log)
	groupH := groupHandler.New(svc.Groups, log)

	// Real-time channel
	if svc.Realtime != nil {
		svc.Realtime.RegisterWebSocketRoutes(r)
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", handleHealth(svc.Ping))

		// Public auth routes
		authH.RegisterRoutes(api)

		api.Group(func(protected chi.Router) {
			protected.Use(middlewarePkg.Auth(svc.Auth))

			authH.RegisterProtectedRoutes(protected)
			messageH.RegisterRoutes(protected)
			friendH.RegisterRoutes(protected)
			groupH.RegisterRoutes(protected)
		})
	})

	// Uploaded attachments
	if opts.UploadDir != "" && strings.HasPrefix(opts.UploadBaseURL, "/") {
		base := strings.TrimRight(opts.UploadBaseURL, "/")
		r.Handle(base+"/*", http.StripPrefix(base, http.FileServer(http.Dir(opts.UploadDir))))
	}

	return r
}

// handleHealth 健康检查
func handleHealth(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				utils.RespondError(w, http.StatusServiceUnavailable, "store unavailable")
				return
			}
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
