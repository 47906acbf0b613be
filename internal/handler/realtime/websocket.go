package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/hub"
	"github.com/zhouzirui/z-chat/backend/internal/middleware"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	realtimeModel "github.com/zhouzirui/z-chat/backend/internal/model/realtime"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

const (
	readWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 64 << 10
)

// 入站消息类型
const (
	TypeCallSignal = "call.signal"
	TypeChatSend   = "chat.send"
	TypeChatPin    = "chat.pin"
	TypeChatUnpin  = "chat.unpin"
	TypePing       = "ping"
)

// Endpoints 管理本节点的实时连接端点
type Endpoints interface {
	Open(userID string) *hub.Endpoint
	Close(endpointID string)
	DeliverLocal(endpointID string, env realtimeModel.Envelope) error
}

// Presence 维护在线状态
type Presence interface {
	Connect(ctx context.Context, userID, endpointID string) error
	Disconnect(ctx context.Context, endpointID string) error
}

// CallRelay 转发通话信令
type CallRelay interface {
	Relay(ctx context.Context, senderID string, raw json.RawMessage) error
}

// Messenger 发送消息与置顶
type Messenger interface {
	Send(ctx context.Context, msg chat.Message) (chat.Message, error)
	SetPinned(ctx context.Context, actorID, messageID string, pinned bool) (chat.Message, error)
}

// Options 连接鉴权选项
type Options struct {
	RequireToken bool
}

// WebSocketHandler 实时通道处理器
type WebSocketHandler struct {
	endpoints Endpoints
	presence  Presence
	calls     CallRelay
	messages  Messenger
	tokens    middleware.TokenValidator
	opts      Options
	upgrader  websocket.Upgrader
	log       *zap.Logger

	mu       sync.Mutex
	draining bool
	active   sync.WaitGroup
}

// NewWebSocketHandler 创建实时通道处理器
func NewWebSocketHandler(endpoints Endpoints, presence Presence, calls CallRelay, messages Messenger, tokens middleware.TokenValidator, opts Options, log *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		endpoints: endpoints,
		presence:  presence,
		calls:     calls,
		messages:  messages,
		tokens:    tokens,
		opts:      opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: logger.OrNop(log),
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sendPayload struct {
	ReceiverID       string            `json:"receiverId"`
	GroupID          string            `json:"groupId"`
	Content          string            `json:"content"`
	ReplyToMessageID string            `json:"replyToMessageId"`
	Attachments      []chat.Attachment `json:"attachments"`
}

type pinPayload struct {
	MessageID string `json:"messageId"`
}

// connectedPayload 连接建立后发送给客户端
type connectedPayload struct {
	UserID     string `json:"userId"`
	EndpointID string `json:"endpointId"`
}

// Drain 拒绝新连接，并等待现有连接完成离线处理。
// 关闭 Redis 与数据库之前必须调用，否则离线状态无法落盘
func (h *WebSocketHandler) Drain(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track 登记一个活跃连接；排空开始后返回 false
func (h *WebSocketHandler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.active.Add(1)
	return true
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, status, reason := h.authenticate(r)
	if status != 0 {
		http.Error(w, reason, status)
		return
	}

	if !h.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.active.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("user", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	ep := h.endpoints.Open(userID)
	log := h.log.With(zap.String("user", userID), zap.String("endpoint", ep.ID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.presence.Connect(ctx, userID, ep.ID); err != nil {
		log.Error("register endpoint failed", zap.Error(err))
		h.endpoints.Close(ep.ID)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "presence unavailable"),
			time.Now().Add(writeWait))
		return
	}
	log.Info("websocket connected")

	defer func() {
		h.endpoints.Close(ep.ID)
		// 请求上下文此时可能已取消，离线处理需要独立的上下文
		if err := h.presence.Disconnect(context.Background(), ep.ID); err != nil {
			log.Warn("unregister endpoint failed", zap.Error(err))
		}
		log.Info("websocket disconnected")
	}()

	h.reply(ep, realtimeModel.ChannelConnected, connectedPayload{UserID: userID, EndpointID: ep.ID})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, ep)
	}()
	go h.pingLoop(ctx, conn)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", zap.Error(err))
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		var msg inboundMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			h.replyError(ep, "invalid frame")
			continue
		}
		h.handleMessage(ctx, ep, &msg)
	}

	cancel()
	<-writerDone
}

// authenticate 解析连接用户。返回非零状态码表示拒绝连接
func (h *WebSocketHandler) authenticate(r *http.Request) (string, int, string) {
	userID := strings.TrimSpace(r.Header.Get("userId"))
	if userID == "" {
		userID = strings.TrimSpace(r.URL.Query().Get("userId"))
	}

	token := middleware.BearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}

	if token == "" {
		if h.opts.RequireToken {
			return "", http.StatusUnauthorized, "missing token"
		}
		if userID == "" {
			return "", http.StatusBadRequest, "userId is required"
		}
		return userID, 0, ""
	}

	if h.tokens == nil {
		return "", http.StatusUnauthorized, "token validation unavailable"
	}
	claims, err := h.tokens.Validate(r.Context(), token)
	if err != nil {
		return "", http.StatusUnauthorized, "invalid token"
	}
	if userID == "" {
		userID = claims.UserID
	}
	if claims.UserID != userID {
		return "", http.StatusForbidden, "token does not match userId"
	}
	return userID, 0, ""
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, ep *hub.Endpoint, msg *inboundMessage) {
	switch msg.Type {
	case TypeCallSignal:
		// 非法信令只记录日志，不回复
		_ = h.calls.Relay(ctx, ep.UserID, msg.Data)
	case TypeChatSend:
		h.handleSend(ctx, ep, msg.Data)
	case TypeChatPin:
		h.handlePin(ctx, ep, msg.Data, true)
	case TypeChatUnpin:
		h.handlePin(ctx, ep, msg.Data, false)
	case TypePing:
		h.reply(ep, realtimeModel.ChannelPong, nil)
	default:
		h.replyError(ep, "unsupported message type: "+msg.Type)
	}
}

func (h *WebSocketHandler) handleSend(ctx context.Context, ep *hub.Endpoint, raw json.RawMessage) {
	var payload sendPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.replyError(ep, "invalid chat payload")
		return
	}

	// 发送成功后消息会经由 message 通道回到发送者的所有端点
	_, err := h.messages.Send(ctx, chat.Message{
		SenderID:         ep.UserID,
		ReceiverID:       payload.ReceiverID,
		GroupID:          payload.GroupID,
		Content:          payload.Content,
		ReplyToMessageID: payload.ReplyToMessageID,
		Attachments:      payload.Attachments,
	})
	if err != nil {
		h.replyFailure(ep, err)
	}
}

func (h *WebSocketHandler) handlePin(ctx context.Context, ep *hub.Endpoint, raw json.RawMessage, pinned bool) {
	var payload pinPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.MessageID == "" {
		h.replyError(ep, "messageId is required")
		return
	}
	if _, err := h.messages.SetPinned(ctx, ep.UserID, payload.MessageID, pinned); err != nil {
		h.replyFailure(ep, err)
	}
}

// writeLoop 是连接上唯一的数据帧写入者
func (h *WebSocketHandler) writeLoop(ctx context.Context, conn *websocket.Conn, ep *hub.Endpoint) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ep.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case env := <-ep.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				h.log.Debug("websocket write failed", zap.String("endpoint", ep.ID), zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) reply(ep *hub.Endpoint, channel string, data any) {
	if err := h.endpoints.DeliverLocal(ep.ID, realtimeModel.NewEnvelope(channel, data)); err != nil {
		h.log.Debug("reply dropped", zap.String("endpoint", ep.ID), zap.String("channel", channel), zap.Error(err))
	}
}

func (h *WebSocketHandler) replyError(ep *hub.Endpoint, message string) {
	h.reply(ep, realtimeModel.ChannelError, map[string]string{"message": message})
}

// replyFailure 把业务错误原样返回，其余错误只返回通用提示
func (h *WebSocketHandler) replyFailure(ep *hub.Endpoint, err error) {
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			h.replyError(ep, known.Error())
			return
		}
	}
	h.log.Error("realtime request failed", zap.String("endpoint", ep.ID), zap.Error(err))
	h.replyError(ep, "internal error")
}

var clientErrors = []error{
	chatService.ErrInvalidTarget,
	chatService.ErrEmptyMessage,
	chatService.ErrReceiverNotFound,
	chatService.ErrGroupNotFound,
	chatService.ErrGroupInactive,
	chatService.ErrNotMember,
	chatService.ErrBlocked,
	chatService.ErrReplyNotFound,
	chatService.ErrBadAttachment,
	chatService.ErrMessageNotFound,
	chatService.ErrNotParticipant,
}
