package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"ghosttab/internal/identity"
	"ghosttab/internal/localproxy"
	"ghosttab/internal/metrics"
	"ghosttab/internal/rotation"
	manager "ghosttab/proxypool"
	"ghosttab/proxypool/model"
	"ghosttab/proxypool/provider"
)

// EngineController defines the interface that the web handler uses to
// interact with the AppServer. This decouples the web package from the
// app package.
type EngineController interface {
	CreateTab(countryCode string) (*identity.TabProfile, error)
	GetTab(tabID string) (*identity.TabProfile, bool)
	ListTabs() []*identity.TabProfile
	CloseTab(tabID string)
	RotateIdentity(tabID, country string) (identity.VirtualIdentity, error)
	ForceRotateProxy(tabID string) (*model.ProxyRecord, error)
	SessionStats(tabID string) (*rotation.SessionStats, bool)
	PacURLForTab(tabID string) (string, bool)

	CurrentStrategy() rotation.Strategy
	UpdateStrategy(s rotation.Strategy) error

	ListProxies(f provider.Filter) []*model.ProxyRecord
	TriggerFetch()
	TriggerValidation(ids []string) error
	ImportProxies(proxies []string, protocol string) error
	PoolStats() manager.Stats
	MetricsSnapshot() metrics.Snapshot
}

type Handler struct {
	controller EngineController
}

func NewHandler(controller EngineController) *Handler {
	return &Handler{controller: controller}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusForError 把引擎错误映射到 HTTP 状态码。
func statusForError(err error) int {
	switch {
	case errors.Is(err, identity.ErrTabNotFound), errors.Is(err, rotation.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, rotation.ErrNoProxiesAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, identity.ErrIdentityUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, localproxy.ErrPortExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleTabs 处理 GET/POST /api/tabs
func (h *Handler) HandleTabs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.controller.ListTabs())
	case http.MethodPost:
		var req struct {
			CountryCode string `json:"country_code"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req) // 空 body 表示随机国家
		}
		profile, err := h.controller.CreateTab(req.CountryCode)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, profile)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleTabActions 处理 /api/tabs/{id} 及其子路径。
func (h *Handler) HandleTabActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tabs/")
	parts := strings.SplitN(rest, "/", 2)
	tabID := parts[0]
	if tabID == "" {
		http.NotFound(w, r)
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		h.handleTabRoot(w, r, tabID)
	case "rotate_identity":
		h.handleRotateIdentity(w, r, tabID)
	case "rotate_proxy":
		h.handleRotateProxy(w, r, tabID)
	case "session":
		h.handleSessionStats(w, r, tabID)
	case "pac":
		h.handlePacURL(w, r, tabID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleTabRoot(w http.ResponseWriter, r *http.Request, tabID string) {
	switch r.Method {
	case http.MethodGet:
		profile, ok := h.controller.GetTab(tabID)
		if !ok {
			writeError(w, http.StatusNotFound, identity.ErrTabNotFound)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodDelete:
		h.controller.CloseTab(tabID)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleRotateIdentity(w http.ResponseWriter, r *http.Request, tabID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		CountryCode string `json:"country_code"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	id, err := h.controller.RotateIdentity(tabID, req.CountryCode)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (h *Handler) handleRotateProxy(w http.ResponseWriter, r *http.Request, tabID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	proxy, err := h.controller.ForceRotateProxy(tabID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, proxy)
}

func (h *Handler) handleSessionStats(w http.ResponseWriter, r *http.Request, tabID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, ok := h.controller.SessionStats(tabID)
	if !ok {
		writeError(w, http.StatusNotFound, rotation.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handlePacURL(w http.ResponseWriter, r *http.Request, tabID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pacURL, ok := h.controller.PacURLForTab(tabID)
	if !ok {
		writeError(w, http.StatusNotFound, identity.ErrTabNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pac_url": pacURL})
}

// HandleStrategy 处理 GET/PUT /api/strategy
func (h *Handler) HandleStrategy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.controller.CurrentStrategy())
	case http.MethodPut, http.MethodPost:
		var s rotation.Strategy
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.controller.UpdateStrategy(s); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleProxies 处理 GET /api/proxies，支持按国家/类型/可用性过滤。
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := provider.Filter{Kind: provider.FilterAll}
	if countries := q.Get("countries"); countries != "" {
		filter = provider.Filter{Kind: provider.FilterByCountry, Countries: strings.Split(countries, ",")}
	} else if types := q.Get("types"); types != "" {
		var protocols []model.Protocol
		for _, t := range strings.Split(types, ",") {
			protocols = append(protocols, model.Protocol(strings.TrimSpace(t)))
		}
		filter = provider.Filter{Kind: provider.FilterByType, Types: protocols}
	} else if q.Get("working") == "true" {
		filter = provider.Filter{Kind: provider.FilterWorkingOnly}
	}

	writeJSON(w, http.StatusOK, h.controller.ListProxies(filter))
}

// HandleProxyFetch 处理 POST /api/proxies/fetch
func (h *Handler) HandleProxyFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.controller.TriggerFetch()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "fetch scheduled"})
}

// HandleProxyValidate 处理 POST /api/proxies/validate
func (h *Handler) HandleProxyValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.controller.TriggerValidation(req.IDs); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "validation scheduled"})
}

// HandleProxyImport 处理 POST /api/proxies/import
func (h *Handler) HandleProxyImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Proxies  []string `json:"proxies"`
		Protocol string   `json:"protocol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.controller.ImportProxies(req.Proxies, req.Protocol); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "import scheduled"})
}

// HandleStatus 处理 GET /api/status（公开，不需要认证）。
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		ActiveTabs int               `json:"active_tabs"`
		Pool       manager.Stats     `json:"pool"`
		Counters   metrics.Snapshot  `json:"counters"`
		Strategy   rotation.Strategy `json:"strategy"`
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		ActiveTabs: len(h.controller.ListTabs()),
		Pool:       h.controller.PoolStats(),
		Counters:   h.controller.MetricsSnapshot(),
		Strategy:   h.controller.CurrentStrategy(),
	})
}
