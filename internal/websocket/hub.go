package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"creditmail/backend/internal/domain"
	"creditmail/backend/internal/monitoring"
)

// AllMailboxes 订阅全部通知（包括不针对某个邮箱的管理类通知）
const AllMailboxes = "*"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeNotice      MessageType = "notice"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	MailboxID string          `json:"mailboxId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	log  *zap.Logger

	mu         sync.RWMutex
	send       chan []byte
	closed     bool
	mailboxIDs map[string]bool // 订阅的邮箱ID
}

// Hub 管理所有WebSocket连接，把账本通知推送给订阅了对应邮箱的客户端。
// 推送内容只包含公开信息，因此连接不需要认证。
type Hub struct {
	clients   map[string]*Client            // clientID -> Client
	mailboxes map[string]map[string]*Client // mailboxID -> clientID -> Client
	mu        sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	allowedOrigins []string
	metrics        *monitoring.Metrics
	log            *zap.Logger
}

// BroadcastMessage 广播消息
type BroadcastMessage struct {
	MailboxID string
	Message   *Message
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有来源
//   - metrics: 连接数指标，可以为 nil
//   - log: 日志
func NewHub(allowedOrigins []string, metrics *monitoring.Metrics, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		mailboxes:      make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *BroadcastMessage, 256),
		done:           make(chan struct{}),
		allowedOrigins: allowedOrigins,
		metrics:        metrics,
		log:            log,
	}
}

// Run 启动Hub，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWebsocketClients(count)
			h.log.Debug("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				client.mu.RLock()
				for mailboxID := range client.mailboxIDs {
					h.removeSubscriber(mailboxID, client.ID)
				}
				client.mu.RUnlock()
				delete(h.clients, client.ID)
				client.close()
				h.log.Debug("client unregistered", zap.String("id", client.ID))
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWebsocketClients(count)

		case msg := <-h.broadcast:
			h.broadcastToMailbox(msg.MailboxID, msg.Message)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Name sink 名称
func (h *Hub) Name() string { return "websocket" }

// Deliver 把通知推送给订阅者：针对某个邮箱的通知发给该邮箱和全部订阅者，
// 其余通知只发给全部订阅者。
func (h *Hub) Deliver(ctx context.Context, n *domain.Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := &Message{Type: MessageTypeNotice, Data: data, Timestamp: n.Timestamp}
	if n.MailboxID != nil {
		msg.MailboxID = n.MailboxID.String()
	}

	select {
	case h.broadcast <- &BroadcastMessage{MailboxID: msg.MailboxID, Message: msg}:
		return nil
	case <-h.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcastToMailbox 向订阅特定邮箱以及全部通知的客户端广播消息
func (h *Hub) broadcastToMailbox(mailboxID string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[string]*Client)
	for id, c := range h.mailboxes[AllMailboxes] {
		targets[id] = c
	}
	if mailboxID != "" {
		for id, c := range h.mailboxes[mailboxID] {
			targets[id] = c
		}
	}
	for _, client := range targets {
		if !client.trySend(data) {
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		client.trySend(data)
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		client.close()
	}
	h.clients = make(map[string]*Client)
	h.mailboxes = make(map[string]map[string]*Client)
	h.metrics.SetWebsocketClients(0)
}

func (h *Hub) addSubscriber(mailboxID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mailboxes[mailboxID] == nil {
		h.mailboxes[mailboxID] = make(map[string]*Client)
	}
	h.mailboxes[mailboxID][c.ID] = c
}

// removeSubscriber 调用方需持有 h.mu
func (h *Hub) removeSubscriber(mailboxID, clientID string) {
	if clients, exists := h.mailboxes[mailboxID]; exists {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(h.mailboxes, mailboxID)
		}
	}
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:         uuid.NewString(),
			conn:       conn,
			hub:        hub,
			log:        hub.log,
			send:       make(chan []byte, sendBuffer),
			mailboxIDs: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// close 关闭发送通道，只执行一次
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// trySend 非阻塞发送，通道已满或已关闭时返回 false
func (c *Client) trySend(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.MailboxID)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.MailboxID)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	default:
		c.sendError("unknown message type: " + string(msg.Type))
	}
}

// normalizeMailbox 接受 "*" 或邮箱 id 的十六进制形式
func normalizeMailbox(raw string) (string, error) {
	if raw == AllMailboxes {
		return raw, nil
	}
	id, err := domain.ParseMailboxID(raw)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// subscribe 订阅邮箱
func (c *Client) subscribe(raw string) {
	mailboxID, err := normalizeMailbox(raw)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	c.mu.Lock()
	c.mailboxIDs[mailboxID] = true
	c.mu.Unlock()
	c.hub.addSubscriber(mailboxID, c)

	c.log.Debug("subscribed", zap.String("clientID", c.ID), zap.String("mailboxID", mailboxID))
	c.sendMessage(&Message{Type: MessageTypeSubscribed, MailboxID: mailboxID, Timestamp: time.Now()})
}

// unsubscribe 取消订阅
func (c *Client) unsubscribe(raw string) {
	mailboxID, err := normalizeMailbox(raw)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	c.mu.Lock()
	delete(c.mailboxIDs, mailboxID)
	c.mu.Unlock()

	c.hub.mu.Lock()
	c.hub.removeSubscriber(mailboxID, c.ID)
	c.hub.mu.Unlock()
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{Type: MessageTypeError, Error: errMsg, Timestamp: time.Now()})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
