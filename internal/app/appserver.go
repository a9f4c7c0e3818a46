package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"ghosttab/internal/identity"
	"ghosttab/internal/localproxy"
	"ghosttab/internal/metrics"
	"ghosttab/internal/rotation"
	"ghosttab/internal/service/web"
	"ghosttab/internal/shared/logger"
	"ghosttab/internal/shared/types"
	manager "ghosttab/proxypool"
	"ghosttab/proxypool/model"
	"ghosttab/proxypool/provider"
	"ghosttab/proxypool/storage"
	"ghosttab/proxypool/validator"
)

const (
	defaultPortRangeStart = 8100
	defaultPortRangeEnd   = 8200

	sessionMaxAge          = 30 * time.Minute
	sessionCleanupInterval = 10 * time.Minute
	dashboardInterval      = 2 * time.Second
)

// AppServer is the application's main struct. It owns every engine
// subsystem and implements web.EngineController for the API layer.
type AppServer struct {
	cfg     *types.Config
	iniPath string

	collector        *metrics.Collector
	identities       *identity.Manager
	proxyPoolManager *manager.Manager
	rotator          *rotation.Manager
	localProxies     *localproxy.Manager
	pacServer        *localproxy.PacServer

	hub *web.Hub //  Hub 实例

	waitGroup sync.WaitGroup
	stopChan  chan struct{}
	stopOnce  sync.Once
}

var _ web.EngineController = (*AppServer)(nil)

// New creates a fully wired AppServer from the loaded ini configuration.
func New(cfg *types.Config, iniPath string) *AppServer {
	configDir := filepath.Dir(iniPath)

	s := &AppServer{
		cfg:       cfg,
		iniPath:   iniPath,
		collector: metrics.NewCollector(),
		stopChan:  make(chan struct{}),
	}

	s.hub = web.NewHub()

	// 身份生成器：国家表和地址段表允许用 JSON 文件覆盖内置数据
	countries := identity.LoadCountries(resolveDataPath(configDir, cfg.IdentityConf.CountriesFile))
	ranges := identity.LoadIPRanges(resolveDataPath(configDir, cfg.IdentityConf.IPRangesFile))
	generator := identity.NewIPGenerator(countries, ranges)
	s.identities = identity.NewManager(generator, s.collector, filepath.Join(configDir, "tabs"))

	// 代理池
	proxiesPath := filepath.Join(configDir, "proxies.json")
	proxyStorage := storage.NewJSONStorage(proxiesPath)
	proxyValidator := validator.NewValidator(validator.Config{
		Timeout:     time.Duration(cfg.ProxyPoolConf.ValidationTimeoutSeconds) * time.Second,
		Concurrency: cfg.ProxyPoolConf.ValidationConcurrency,
		MaxRetries:  cfg.ProxyPoolConf.ValidationMaxRetries,
	})
	s.proxyPoolManager = manager.NewManager(cfg, proxyStorage, proxyValidator, s.collector)

	// 轮换策略来自 [rotation] 配置段，运行期可通过 API 替换
	strategy, err := rotation.StrategyFromConfig(cfg.RotationConf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Invalid rotation configuration: %v\n", err)
		os.Exit(1)
	}
	s.rotator = rotation.NewManager(s.proxyPoolManager, strategy, s.collector)

	portStart := cfg.LocalProxyConf.PortRangeStart
	portEnd := cfg.LocalProxyConf.PortRangeEnd
	if portStart <= 0 || portEnd < portStart {
		portStart = defaultPortRangeStart
		portEnd = defaultPortRangeEnd
	}
	s.localProxies = localproxy.NewManager(portStart, portEnd, s.collector)
	s.pacServer = localproxy.NewPacServer(cfg.LocalProxyConf.PacPort)

	return s
}

// resolveDataPath 把相对路径解释为相对配置目录。
func resolveDataPath(configDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// Run is the server's entry point. It blocks until a shutdown signal arrives.
func (s *AppServer) Run() {
	logger.Info().Msg("Starting engine in 'local' mode...")

	if s.cfg.LocalProxyConf.PacPort > 0 {
		if err := s.pacServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("PAC server failed to start")
		}
	} else {
		logger.Warn().Msg("PAC server is disabled (pac_port is 0 or not set).")
	}

	// Start the proxy pool manager's background tasks
	go s.proxyPoolManager.Start()

	s.waitGroup.Add(1)
	go s.statsLoop()

	s.waitGroup.Add(1)
	go s.sessionCleanupLoop()

	go s.hub.Run() // 启动 Hub
	web.StartServer(&s.waitGroup, s.cfg, s, s.hub)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, stopping...")
	s.Stop()
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)

		s.localProxies.StopAll()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.pacServer.Stop(ctx)

		// Stop 会把当前池状态落盘
		s.proxyPoolManager.Stop()
	})
}

func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

// --- Tab lifecycle ---

// CreateTab provisions a full isolation context for one new tab: virtual
// identity, rotation session, dedicated local forward proxy and PAC entry.
func (s *AppServer) CreateTab(countryCode string) (*identity.TabProfile, error) {
	l := logger.WithComponent("App/Tabs")

	profile, err := s.identities.Create(countryCode)
	if err != nil {
		return nil, err
	}
	tabID := profile.TabID

	// 池子为空不阻止建标签页：本地代理先以直连模式工作
	upstream := model.ProxySettings{Protocol: model.ProtocolDirect}
	if record, err := s.rotator.GetProxyForTab(tabID, ""); err == nil {
		upstream = record.Settings()
	} else if errors.Is(err, rotation.ErrNoProxiesAvailable) {
		l.Warn().Str("tab_id", tabID).Msg("No working proxies yet, tab starts in direct mode.")
	} else {
		s.identities.Close(tabID)
		return nil, err
	}

	srv, err := s.localProxies.CreateForTab(tabID, upstream)
	if err != nil {
		s.rotator.CloseSession(tabID)
		s.identities.Close(tabID)
		return nil, err
	}
	s.wireTrafficHooks(tabID, srv)
	s.pacServer.Register(tabID, srv.Port())

	if err := s.identities.SetProxyURL(tabID, srv.ProxyURL()); err != nil {
		l.Error().Err(err).Str("tab_id", tabID).Msg("Failed to record local proxy URL on tab.")
	}
	if err := s.identities.Activate(tabID); err != nil {
		l.Error().Err(err).Str("tab_id", tabID).Msg("Failed to activate tab.")
	}

	s.hub.BroadcastTabEvent(&web.TabEvent{
		Timestamp: time.Now(),
		TabID:     tabID,
		Action:    "created",
		Detail:    profile.Identity.CountryCode,
	})

	final, _ := s.identities.Get(tabID)
	if final == nil {
		final = profile
	}
	return final, nil
}

// wireTrafficHooks 把轮换决策和性能回报挂到该标签页的本地代理上。
// 每条新隧道都会按当前策略（含按域名分配）选择上游。
func (s *AppServer) wireTrafficHooks(tabID string, srv *localproxy.Server) {
	srv.SetUpstreamResolver(func(targetHost string) (model.ProxySettings, bool) {
		record, err := s.rotator.GetProxyForTab(tabID, targetHost)
		if err != nil {
			if !errors.Is(err, rotation.ErrNoProxiesAvailable) {
				logger.Error().Err(err).Str("tab_id", tabID).Msg("Upstream resolution failed.")
			}
			return model.ProxySettings{Protocol: model.ProtocolDirect}, true
		}
		return record.Settings(), true
	})
	srv.SetDialResultHook(func(upstream model.ProxySettings, success bool, elapsed time.Duration) {
		if !upstream.IsConfigured() {
			return
		}
		proxyID := net.JoinHostPort(upstream.Host, strconv.Itoa(upstream.Port))
		s.rotator.RecordPerformance(proxyID, success, elapsed)
		s.proxyPoolManager.RecordResult(proxyID, success)
	})
}

func (s *AppServer) GetTab(tabID string) (*identity.TabProfile, bool) {
	return s.identities.Get(tabID)
}

func (s *AppServer) ListTabs() []*identity.TabProfile {
	return s.identities.List()
}

// CloseTab tears the tab's context down. Closing an unknown tab is a no-op.
func (s *AppServer) CloseTab(tabID string) {
	_, known := s.identities.Get(tabID)

	s.localProxies.RemoveForTab(tabID)
	s.pacServer.Unregister(tabID)
	s.rotator.CloseSession(tabID)
	s.identities.Close(tabID)

	if known {
		s.hub.BroadcastTabEvent(&web.TabEvent{
			Timestamp: time.Now(),
			TabID:     tabID,
			Action:    "closed",
		})
	}
}

// RotateIdentity swaps the tab's virtual identity and fingerprint atomically.
func (s *AppServer) RotateIdentity(tabID, country string) (identity.VirtualIdentity, error) {
	id, err := s.identities.Rotate(tabID, country)
	if err != nil {
		return identity.VirtualIdentity{}, err
	}
	s.hub.BroadcastTabEvent(&web.TabEvent{
		Timestamp: time.Now(),
		TabID:     tabID,
		Action:    "identity_rotated",
		Detail:    id.IP,
	})
	return id, nil
}

// ForceRotateProxy assigns the tab a fresh upstream immediately.
func (s *AppServer) ForceRotateProxy(tabID string) (*model.ProxyRecord, error) {
	record, err := s.rotator.ForceRotate(tabID)
	if err != nil {
		return nil, err
	}
	if err := s.localProxies.UpdateUpstream(tabID, record.Settings()); err != nil {
		logger.Error().Err(err).Str("tab_id", tabID).Msg("Failed to push rotated upstream to local proxy.")
	}
	s.identities.Touch(tabID)

	s.hub.BroadcastTabEvent(&web.TabEvent{
		Timestamp: time.Now(),
		TabID:     tabID,
		Action:    "proxy_rotated",
		Detail:    record.ID(),
	})
	return record, nil
}

func (s *AppServer) SessionStats(tabID string) (*rotation.SessionStats, bool) {
	return s.rotator.SessionStats(tabID)
}

func (s *AppServer) PacURLForTab(tabID string) (string, bool) {
	if _, ok := s.localProxies.ServerForTab(tabID); !ok {
		return "", false
	}
	return s.pacServer.PacURLForTab(tabID), true
}

// --- Rotation strategy ---

func (s *AppServer) CurrentStrategy() rotation.Strategy {
	return s.rotator.Strategy()
}

func (s *AppServer) UpdateStrategy(strategy rotation.Strategy) error {
	if err := strategy.Validate(); err != nil {
		return err
	}
	s.rotator.UpdateStrategy(strategy)
	return nil
}

// --- Proxy pool delegation ---

func (s *AppServer) ListProxies(f provider.Filter) []*model.ProxyRecord {
	return s.proxyPoolManager.FilterProxies(f)
}

func (s *AppServer) TriggerFetch() {
	s.proxyPoolManager.TriggerFetch()
}

func (s *AppServer) TriggerValidation(ids []string) error {
	return s.proxyPoolManager.TriggerValidation(ids)
}

func (s *AppServer) ImportProxies(proxies []string, protocol string) error {
	return s.proxyPoolManager.ImportProxies(proxies, protocol)
}

func (s *AppServer) PoolStats() manager.Stats {
	return s.proxyPoolManager.PoolStats()
}

func (s *AppServer) MetricsSnapshot() metrics.Snapshot {
	return s.collector.Snapshot()
}

// --- Background loops ---

// statsLoop 定期把引擎计数器广播给仪表盘
func (s *AppServer) statsLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(dashboardInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.hub.BroadcastDashboardUpdate(&web.DashboardStats{
				Timestamp:  time.Now(),
				ActiveTabs: len(s.identities.List()),
				Counters:   s.collector.Snapshot(),
			})
		case <-s.stopChan:
			return
		}
	}
}

// sessionCleanupLoop 回收长时间无活动的轮换会话
func (s *AppServer) sessionCleanupLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.rotator.CleanupExpired(sessionMaxAge); removed > 0 {
				logger.Info().Int("count", removed).Msg("Expired rotation sessions cleaned up.")
			}
		case <-s.stopChan:
			return
		}
	}
}

// GetIniPath returns the path to the ini config file.
func (s *AppServer) GetIniPath() string {
	return s.iniPath
}
