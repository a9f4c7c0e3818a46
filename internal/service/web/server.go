package web

import (
	"embed"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"sync"

	"ghosttab/internal/shared/logger"
	"ghosttab/internal/shared/types"
)

//go:embed all:static
var staticFiles embed.FS

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

func StartServer(
	wg *sync.WaitGroup,
	cfg *types.Config,
	controller EngineController,
	hub *Hub,
) {
	if cfg.WebConf.WebPort <= 0 {
		log.Println("[WebServer] Web UI is disabled (web_port is 0 or not set).")
		return
	}

	handler := NewHandler(controller)
	mux := http.NewServeMux()

	// --- 认证保护的 API ---
	webUser := cfg.WebConf.WebUser
	webPassword := cfg.WebConf.WebPassword

	// 标签页管理 API
	mux.Handle("/api/tabs", basicAuthMiddleware(http.HandlerFunc(handler.HandleTabs), webUser, webPassword))
	mux.Handle("/api/tabs/", basicAuthMiddleware(http.HandlerFunc(handler.HandleTabActions), webUser, webPassword)) // 捕获 /api/tabs/{id}/...

	// 轮换策略 API
	mux.Handle("/api/strategy", basicAuthMiddleware(http.HandlerFunc(handler.HandleStrategy), webUser, webPassword))

	// 代理池管理 API
	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxies), webUser, webPassword))
	mux.Handle("/api/proxies/fetch", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxyFetch), webUser, webPassword))
	mux.Handle("/api/proxies/validate", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxyValidate), webUser, webPassword))
	mux.Handle("/api/proxies/import", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxyImport), webUser, webPassword))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)

	// --- 静态文件和主页 ---
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("Failed to create sub filesystem for static assets: %v", err)
	}
	fileServer := http.FileServer(http.FS(staticFS))
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))

	// 主页需要认证
	rootHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			index, err := staticFiles.ReadFile("static/index.html")
			if err != nil {
				http.Error(w, "Could not load index.html", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write(index)
			return
		}
		http.NotFound(w, r)
	})
	mux.Handle("/", basicAuthMiddleware(rootHandler, webUser, webPassword))

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.WebConf.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("!!! FAILED to start Web UI on %s: %v", addr, err)
		return
	}

	logger.Info().Msgf("SUCCESS: Web UI is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := http.Serve(listener, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("Web server error: %v", err)
		}
		log.Println("Web server stopped.")
	}()
}
