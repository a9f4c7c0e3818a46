package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ghosttab/internal/metrics"
	"ghosttab/internal/shared/logger"
)

// TabEvent 描述一次标签页生命周期事件，推送给仪表盘。
type TabEvent struct {
	Timestamp time.Time `json:"timestamp"`
	TabID     string    `json:"tab_id"`
	Action    string    `json:"action"` // created / closed / identity_rotated / proxy_rotated
	Detail    string    `json:"detail,omitempty"`
}

// DashboardStats 是推送给仪表盘的实时统计。
type DashboardStats struct {
	Timestamp  time.Time        `json:"timestamp"`
	ActiveTabs int              `json:"active_tabs"`
	Counters   metrics.Snapshot `json:"counters"`
}

// WebSocketMessage 定义了 WebSocket 消息的通用格式
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages to the
// clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client unregistered.")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					logger.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("Error writing to websocket client.")
					// 写失败由读协程负责注销
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastTabEvent 广播一条标签页事件。
func (h *Hub) BroadcastTabEvent(event *TabEvent) {
	msg := WebSocketMessage{Type: "tab_event", Data: event}
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Msg("Hub: Failed to marshal tab event.")
		return
	}

	select {
	case h.broadcast <- jsonMsg:
	default:
		// 通道满时丢弃，避免阻塞业务路径
	}
}

// BroadcastDashboardUpdate 广播仪表盘的实时统计数据
func (h *Hub) BroadcastDashboardUpdate(stats *DashboardStats) {
	msg := WebSocketMessage{Type: "dashboard_update", Data: stats}
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Msg("Hub: Failed to marshal dashboard stats.")
		return
	}

	select {
	case h.broadcast <- jsonMsg:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Allow all origins
}

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to upgrade websocket connection.")
		return
	}
	hub.register <- conn

	// 读协程只负责发现断连
	go func() {
		defer func() { hub.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
