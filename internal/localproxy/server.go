package localproxy

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"

	"ghosttab/internal/metrics"
	"ghosttab/internal/shared"
	"ghosttab/internal/shared/logger"
	"ghosttab/proxypool/model"
)

var (
	// ErrMalformedTunnelRequest 表示 CONNECT 请求行无法解析，连接被直接关闭。
	ErrMalformedTunnelRequest = errors.New("malformed tunnel request")
	// ErrProxyConnectFailed 表示上游代理拒绝建立隧道。
	ErrProxyConnectFailed = errors.New("upstream proxy failed to establish connection")
	// ErrProxyAuthFailed 表示上游代理要求认证或认证被拒。
	ErrProxyAuthFailed = errors.New("upstream proxy authentication failed")
)

const dialTimeout = 10 * time.Second

// Connection 是活动连接表里的一条记录。
type Connection struct {
	ID         string    `json:"id"`
	ClientAddr string    `json:"client_addr"`
	TargetHost string    `json:"target_host"`
	TargetPort int       `json:"target_port"`
	CreatedAt  time.Time `json:"created_at"`
}

// Server 是绑定在一个本地端口上的 HTTP CONNECT 转发代理。
// 每个标签页一个实例，把该标签页的流量送往其当前上游代理（或直连）。
type Server struct {
	tabID     string
	port      int
	collector *metrics.Collector

	upstreamMu sync.RWMutex
	upstream   model.ProxySettings

	// upstreamFor 在每条隧道建立前按目标域名解析上游，未设置或
	// 返回 false 时退回静态 upstream。onDialResult 把拨号结果回报
	// 给上层（轮换指标、代理池健康度），可以为 nil。
	upstreamFor  func(targetHost string) (model.ProxySettings, bool)
	onDialResult func(upstream model.ProxySettings, success bool, elapsed time.Duration)

	listener net.Listener
	running  atomic.Bool

	connMu      sync.RWMutex
	connections map[string]*Connection
}

func NewServer(tabID string, port int, upstream model.ProxySettings, collector *metrics.Collector) *Server {
	return &Server{
		tabID:       tabID,
		port:        port,
		upstream:    upstream,
		collector:   collector,
		connections: make(map[string]*Connection),
	}
}

// Start 绑定端口并启动 accept 循环。绑定失败对调用方是致命错误。
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("proxy server for tab %s is already running", s.tabID)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to bind local proxy to port %d: %w", s.port, err)
	}
	s.listener = listener
	if s.port == 0 {
		s.port = listener.Addr().(*net.TCPAddr).Port
	}

	logger.WithComponent("LocalProxy/Server").Info().
		Str("tab_id", s.tabID).Int("port", s.port).Msg("Local proxy server listening.")

	go s.acceptLoop()
	return nil
}

// Stop 停止 accept 循环。已建立的隧道继续运行直到各自的 I/O 结束。
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	logger.WithComponent("LocalProxy/Server").Info().
		Str("tab_id", s.tabID).Int("port", s.port).Msg("Local proxy server stopped.")
}

func (s *Server) IsRunning() bool { return s.running.Load() }

func (s *Server) Port() int { return s.port }

// ProxyURL 返回给浏览器网络栈用的本地代理地址。
func (s *Server) ProxyURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

// SetUpstreamResolver 安装按目标域名解析上游的回调。
func (s *Server) SetUpstreamResolver(fn func(targetHost string) (model.ProxySettings, bool)) {
	s.upstreamMu.Lock()
	s.upstreamFor = fn
	s.upstreamMu.Unlock()
}

// SetDialResultHook 安装拨号结果回调。
func (s *Server) SetDialResultHook(fn func(upstream model.ProxySettings, success bool, elapsed time.Duration)) {
	s.upstreamMu.Lock()
	s.onDialResult = fn
	s.upstreamMu.Unlock()
}

// SetUpstream 替换后续新隧道使用的上游代理。已建立的隧道不受影响。
func (s *Server) SetUpstream(upstream model.ProxySettings) {
	s.upstreamMu.Lock()
	s.upstream = upstream
	s.upstreamMu.Unlock()
}

// Upstream 返回当前上游配置的快照。
func (s *Server) Upstream() model.ProxySettings {
	s.upstreamMu.RLock()
	defer s.upstreamMu.RUnlock()
	return s.upstream
}

// Connections 返回活动连接表的快照。
func (s *Server) Connections() []Connection {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	out := make([]Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, *c)
	}
	return out
}

func (s *Server) acceptLoop() {
	l := logger.WithComponent("LocalProxy/Server")
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			l.Error().Err(err).Int("port", s.port).Msg("Error accepting connection.")
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(rawConn net.Conn) {
	l := logger.WithComponent("LocalProxy/Server")

	clientConn := shared.NewCountedConn(rawConn, &s.collector.UplinkBytes, &s.collector.DownlinkBytes)
	defer clientConn.Close()

	reader := bufio.NewReader(clientConn)
	host, port, err := readConnectRequest(reader)
	if err != nil {
		// 解析失败直接关闭，不建立任何隧道
		l.Warn().Err(err).Str("client", rawConn.RemoteAddr().String()).Msg("Rejected tunnel request.")
		return
	}

	connID := uuid.New().String()
	record := &Connection{
		ID:         connID,
		ClientAddr: rawConn.RemoteAddr().String(),
		TargetHost: host,
		TargetPort: port,
		CreatedAt:  time.Now(),
	}
	s.connMu.Lock()
	s.connections[connID] = record
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		delete(s.connections, connID)
		s.connMu.Unlock()
		s.collector.TunnelsClosed.Add(1)
	}()

	upstream := s.resolveUpstream(host)
	target := net.JoinHostPort(host, strconv.Itoa(port))

	dialStart := time.Now()
	var upstreamConn net.Conn
	var upstreamReader *bufio.Reader
	if upstream.IsConfigured() {
		upstreamConn, upstreamReader, err = dialThroughUpstream(upstream, target)
	} else {
		upstreamConn, err = net.DialTimeout("tcp", target, dialTimeout)
		if upstreamConn != nil {
			upstreamReader = bufio.NewReader(upstreamConn)
		}
	}
	s.reportDialResult(upstream, err == nil, time.Since(dialStart))
	if err != nil {
		s.collector.TunnelErrors.Add(1)
		l.Warn().Err(err).Str("target", target).Msg("Failed to establish outbound leg.")
		return
	}
	defer upstreamConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		s.collector.TunnelErrors.Add(1)
		return
	}

	s.collector.TunnelsOpened.Add(1)
	l.Debug().Str("conn_id", connID).Str("target", target).Msg("Tunnel established.")

	relay(clientConn, reader, upstreamConn, upstreamReader)
	l.Debug().Str("conn_id", connID).Msg("Tunnel closed.")
}

// resolveUpstream 为一条新隧道确定上游：优先问解析回调，否则用静态配置。
func (s *Server) resolveUpstream(targetHost string) model.ProxySettings {
	s.upstreamMu.RLock()
	fn := s.upstreamFor
	static := s.upstream
	s.upstreamMu.RUnlock()

	if fn != nil {
		if settings, ok := fn(targetHost); ok {
			return settings
		}
	}
	return static
}

func (s *Server) reportDialResult(upstream model.ProxySettings, success bool, elapsed time.Duration) {
	s.upstreamMu.RLock()
	fn := s.onDialResult
	s.upstreamMu.RUnlock()
	if fn != nil {
		fn(upstream, success, elapsed)
	}
}

// relay 双向搬运字节。任一方向到达 EOF 或出错即半关闭对侧写方向，
// 两个方向都结束后整个隧道才算关闭。
func relay(clientConn net.Conn, clientReader *bufio.Reader, upstreamConn net.Conn, upstreamReader *bufio.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(upstreamConn, clientReader)
		closeWrite(upstreamConn)
	}()
	go func() {
		defer wg.Done()
		io.Copy(clientConn, upstreamReader)
		closeWrite(clientConn)
	}()

	wg.Wait()
}

func closeWrite(conn net.Conn) {
	switch c := conn.(type) {
	case *net.TCPConn:
		c.CloseWrite()
	case interface{ CloseWrite() error }:
		c.CloseWrite()
	default:
		c.Close()
	}
}

// readConnectRequest 解析 CONNECT 请求行并吃掉后续头部，直到空行。
func readConnectRequest(reader *bufio.Reader) (string, int, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformedTunnelRequest, err)
	}

	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) < 2 || parts[0] != "CONNECT" {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedTunnelRequest, strings.TrimSpace(line))
	}

	host, portStr, err := net.SplitHostPort(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid target %q", ErrMalformedTunnelRequest, parts[1])
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid port %q", ErrMalformedTunnelRequest, portStr)
	}

	// 消费剩余头部
	for {
		header, err := reader.ReadString('\n')
		if err != nil {
			return "", 0, fmt.Errorf("%w: %v", ErrMalformedTunnelRequest, err)
		}
		if strings.TrimSpace(header) == "" {
			break
		}
	}

	return host, port, nil
}

// dialThroughUpstream 经上游代理建立到目标的隧道。HTTP 系代理走 CONNECT
// 握手，SOCKS 系代理走 SOCKS5 握手。
func dialThroughUpstream(upstream model.ProxySettings, target string) (net.Conn, *bufio.Reader, error) {
	switch upstream.Protocol {
	case model.ProtocolSOCKS4, model.ProtocolSOCKS5:
		return dialThroughSOCKS(upstream, target)
	default:
		return dialThroughHTTPConnect(upstream, target)
	}
}

func dialThroughHTTPConnect(upstream model.ProxySettings, target string) (net.Conn, *bufio.Reader, error) {
	proxyAddr := net.JoinHostPort(upstream.Host, strconv.Itoa(upstream.Port))
	proxyConn, err := net.DialTimeout("tcp", proxyAddr, dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", ErrProxyConnectFailed, proxyAddr, err)
	}

	connectReq := &http.Request{
		Method: "CONNECT",
		URL:    &url.URL{Host: target},
		Host:   target,
		Header: make(http.Header),
	}
	if upstream.Username != "" {
		auth := upstream.Username + ":" + upstream.Password
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}

	if err := connectReq.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, nil, fmt.Errorf("%w: write CONNECT: %v", ErrProxyConnectFailed, err)
	}

	br := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		proxyConn.Close()
		return nil, nil, fmt.Errorf("%w: read CONNECT response: %v", ErrProxyConnectFailed, err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return proxyConn, br, nil
	case resp.StatusCode == http.StatusProxyAuthRequired:
		proxyConn.Close()
		return nil, nil, fmt.Errorf("%w: status %d", ErrProxyAuthFailed, resp.StatusCode)
	default:
		proxyConn.Close()
		return nil, nil, fmt.Errorf("%w: status %d", ErrProxyConnectFailed, resp.StatusCode)
	}
}

func dialThroughSOCKS(upstream model.ProxySettings, target string) (net.Conn, *bufio.Reader, error) {
	proxyAddr := net.JoinHostPort(upstream.Host, strconv.Itoa(upstream.Port))

	var auth *proxy.Auth
	if upstream.Username != "" {
		auth = &proxy.Auth{User: upstream.Username, Password: upstream.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: dialTimeout})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProxyConnectFailed, err)
	}

	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProxyConnectFailed, err)
	}
	return conn, bufio.NewReader(conn), nil
}
