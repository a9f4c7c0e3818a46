package localproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"ghosttab/internal/shared/logger"
)

// PacServer 为每个标签页发布一份代理自动配置脚本，
// 把该标签页的流量指向它专属的本地代理端口。
type PacServer struct {
	port int

	mu       sync.RWMutex
	tabPorts map[string]int // tab id -> local proxy port

	srv      *http.Server
	listener net.Listener
}

func NewPacServer(port int) *PacServer {
	return &PacServer{
		port:     port,
		tabPorts: make(map[string]int),
	}
}

// Start 绑定 PAC 端口并开始服务。绑定失败立即返回。
func (p *PacServer) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p.port))
	if err != nil {
		return fmt.Errorf("failed to bind PAC server to port %d: %w", p.port, err)
	}
	p.listener = listener
	if p.port == 0 {
		// 端口 0 表示由系统分配，回填实际端口
		p.port = listener.Addr().(*net.TCPAddr).Port
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pac/", p.handlePac)
	p.srv = &http.Server{Handler: mux}

	logger.WithComponent("LocalProxy/PAC").Info().Int("port", p.port).Msg("PAC server listening.")

	go func() {
		if err := p.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.WithComponent("LocalProxy/PAC").Error().Err(err).Msg("PAC server exited unexpectedly.")
		}
	}()
	return nil
}

// Stop 关闭 PAC 服务并清空注册表。
func (p *PacServer) Stop(ctx context.Context) {
	if p.srv != nil {
		_ = p.srv.Shutdown(ctx)
	}
	p.mu.Lock()
	p.tabPorts = make(map[string]int)
	p.mu.Unlock()
	logger.WithComponent("LocalProxy/PAC").Info().Msg("PAC server stopped.")
}

// Register 把标签页映射到它的本地代理端口，并返回该标签页的 PAC 地址。
func (p *PacServer) Register(tabID string, proxyPort int) string {
	p.mu.Lock()
	p.tabPorts[tabID] = proxyPort
	p.mu.Unlock()

	pacURL := p.PacURLForTab(tabID)
	logger.WithComponent("LocalProxy/PAC").Info().Str("tab_id", tabID).Int("proxy_port", proxyPort).Msg("Registered PAC for tab.")
	return pacURL
}

// Unregister 移除标签页的映射。之后该标签页的 PAC 始终返回 DIRECT。
func (p *PacServer) Unregister(tabID string) {
	p.mu.Lock()
	delete(p.tabPorts, tabID)
	p.mu.Unlock()
}

// BaseURL 返回 PAC 服务的根地址。
func (p *PacServer) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", p.port)
}

// PacURLForTab 返回标签页的 PAC 脚本地址。
func (p *PacServer) PacURLForTab(tabID string) string {
	return fmt.Sprintf("%s/pac/%s", p.BaseURL(), tabID)
}

func (p *PacServer) handlePac(w http.ResponseWriter, r *http.Request) {
	tabID := strings.TrimPrefix(r.URL.Path, "/pac/")
	if idx := strings.IndexByte(tabID, '/'); idx >= 0 {
		tabID = tabID[:idx]
	}
	if tabID == "" {
		http.Error(w, "missing tab id", http.StatusNotFound)
		return
	}

	p.mu.RLock()
	proxyPort := p.tabPorts[tabID]
	p.mu.RUnlock()

	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	fmt.Fprint(w, GeneratePacScript(proxyPort))
}

// GeneratePacScript 生成 PAC 脚本。proxyPort 为 0 时无条件直连。
func GeneratePacScript(proxyPort int) string {
	if proxyPort == 0 {
		return "function FindProxyForURL(url, host) {\n    return \"DIRECT\";\n}\n"
	}
	return fmt.Sprintf(`function FindProxyForURL(url, host) {
    if (isInNet(host, "127.0.0.0", "255.0.0.0") ||
        isPlainHostName(host) ||
        dnsDomainIs(host, ".local")) {
        return "DIRECT";
    }
    return "PROXY 127.0.0.1:%d";
}
`, proxyPort)
}
