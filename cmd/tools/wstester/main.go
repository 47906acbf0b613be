package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	server := flag.String("server", envOr("CHAT_SERVER", "http://localhost:8080"), "服务地址")
	username := flag.String("user", "", "登录用户名或手机号")
	password := flag.String("password", "", "登录密码")
	mode := flag.String("mode", "listen", "测试模式: listen、chat 或 signal")
	to := flag.String("to", "", "接收者用户 ID")
	group := flag.String("group", "", "群组 ID (chat 模式)")
	text := flag.String("text", "", "chat 模式发送的文本")
	kind := flag.String("signal", "offer", "signal 模式的信令类型: offer、answer 或 ice-candidate")
	duration := flag.Duration("duration", 30*time.Second, "保持连接并打印消息的时长")
	retries := flag.Int("retries", 3, "连接失败时的最大重试次数")

	flag.Parse()

	if *username == "" || *password == "" {
		flag.Usage()
		log.Fatal("需要通过 -user 与 -password 登录")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	token, userID, err := login(ctx, *server, *username, *password)
	if err != nil {
		log.Fatalf("登录失败: %v", err)
	}
	log.Printf("登录成功: user=%s", userID)

	conn, err := connectWithRetry(ctx, *server, userID, token, *retries)
	if err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	switch *mode {
	case "listen":
	case "chat":
		if *text == "" || (*to == "") == (*group == "") {
			log.Fatal("chat 模式需要 -text，以及 -to 或 -group 之一")
		}
		send(conn, "chat.send", map[string]string{"receiverId": *to, "groupId": *group, "content": *text})
	case "signal":
		if *to == "" {
			log.Fatal("signal 模式需要通过 -to 指定接收者")
		}
		send(conn, "call.signal", map[string]any{
			"receiverId": *to,
			"type":       *kind,
			"data":       sampleSignalData(*kind),
		})
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=listen、-mode=chat 或 -mode=signal 指定测试模式")
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("连接已断开: %v", err)
			}
			return
		}
		log.Printf("<- %s", frame)
	}
}

func login(ctx context.Context, server, identifier, password string) (string, string, error) {
	field := "username"
	if strings.TrimLeft(identifier, "+0123456789") == "" {
		field = "phone"
	}
	body, _ := json.Marshal(map[string]string{field: identifier, "password": password})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("status %d: %s", resp.StatusCode, out.Error)
	}
	return out.Token, out.User.ID, nil
}

// connectWithRetry 带重试的连接建立
func connectWithRetry(ctx context.Context, server, userID, token string, retries int) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(server, "/") + "/ws")
	if err != nil {
		return nil, err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	var lastErr error
	for i := 0; i < max(retries, 1); i++ {
		conn, resp, err := dialer.DialContext(ctx, u.String(), header)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// 鉴权类错误重试无意义
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}

		retryDelay := time.Duration(i+1) * time.Second
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("failed to connect after %d retries, last error: %w", retries, lastErr)
}

func send(conn *websocket.Conn, kind string, data any) {
	if err := conn.WriteJSON(map[string]any{"type": kind, "data": data}); err != nil {
		log.Fatalf("发送 %s 失败: %v", kind, err)
	}
	log.Printf("-> %s", kind)
}

func sampleSignalData(kind string) any {
	if strings.Contains(strings.ToLower(kind), "ice") {
		return map[string]any{"candidate": "candidate:0 1 UDP 2122252543 192.0.2.1 54400 typ host", "sdpMid": "0", "sdpMLineIndex": 0}
	}
	return map[string]string{"sdp": "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", "type": strings.ToLower(kind)}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
