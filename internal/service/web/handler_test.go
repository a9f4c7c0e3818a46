package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghosttab/internal/identity"
	"ghosttab/internal/metrics"
	"ghosttab/internal/rotation"
	manager "ghosttab/proxypool"
	"ghosttab/proxypool/model"
	"ghosttab/proxypool/provider"
)

// fakeController 是手写的 EngineController 测试替身，记录调用参数。
type fakeController struct {
	tabs       map[string]*identity.TabProfile
	strategy   rotation.Strategy
	proxies    []*model.ProxyRecord
	lastFilter provider.Filter

	createErr      error
	rotateProxyErr error
	closedTabs     []string
	fetchTriggered bool
	importedList   []string
	importedProto  string
	validatedIDs   []string
	validateErr    error
}

func newFakeController() *fakeController {
	return &fakeController{
		tabs:     make(map[string]*identity.TabProfile),
		strategy: rotation.PerSession(),
	}
}

func (f *fakeController) CreateTab(countryCode string) (*identity.TabProfile, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	profile := &identity.TabProfile{
		TabID:    "tab-new",
		Identity: identity.VirtualIdentity{CountryCode: countryCode},
	}
	f.tabs[profile.TabID] = profile
	return profile, nil
}

func (f *fakeController) GetTab(tabID string) (*identity.TabProfile, bool) {
	p, ok := f.tabs[tabID]
	return p, ok
}

func (f *fakeController) ListTabs() []*identity.TabProfile {
	out := make([]*identity.TabProfile, 0, len(f.tabs))
	for _, p := range f.tabs {
		out = append(out, p)
	}
	return out
}

func (f *fakeController) CloseTab(tabID string) {
	f.closedTabs = append(f.closedTabs, tabID)
	delete(f.tabs, tabID)
}

func (f *fakeController) RotateIdentity(tabID, country string) (identity.VirtualIdentity, error) {
	if _, ok := f.tabs[tabID]; !ok {
		return identity.VirtualIdentity{}, identity.ErrTabNotFound
	}
	return identity.VirtualIdentity{CountryCode: country, IP: "198.51.100.7"}, nil
}

func (f *fakeController) ForceRotateProxy(tabID string) (*model.ProxyRecord, error) {
	if f.rotateProxyErr != nil {
		return nil, f.rotateProxyErr
	}
	return &model.ProxyRecord{Address: "203.0.113.1", Port: 8080, Protocol: model.ProtocolHTTP}, nil
}

func (f *fakeController) SessionStats(tabID string) (*rotation.SessionStats, bool) {
	if _, ok := f.tabs[tabID]; !ok {
		return nil, false
	}
	return &rotation.SessionStats{TabID: tabID, CurrentProxyID: "203.0.113.1:8080", RequestCount: 4}, true
}

func (f *fakeController) PacURLForTab(tabID string) (string, bool) {
	if _, ok := f.tabs[tabID]; !ok {
		return "", false
	}
	return "http://127.0.0.1:8090/pac/" + tabID, true
}

func (f *fakeController) CurrentStrategy() rotation.Strategy { return f.strategy }

func (f *fakeController) UpdateStrategy(s rotation.Strategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.strategy = s
	return nil
}

func (f *fakeController) ListProxies(filter provider.Filter) []*model.ProxyRecord {
	f.lastFilter = filter
	return provider.ApplyFilter(f.proxies, filter)
}

func (f *fakeController) TriggerFetch() { f.fetchTriggered = true }

func (f *fakeController) TriggerValidation(ids []string) error {
	f.validatedIDs = ids
	return f.validateErr
}

func (f *fakeController) ImportProxies(proxies []string, protocol string) error {
	f.importedList = proxies
	f.importedProto = protocol
	return nil
}

func (f *fakeController) PoolStats() manager.Stats {
	return manager.Stats{Total: len(f.proxies)}
}

func (f *fakeController) MetricsSnapshot() metrics.Snapshot {
	return metrics.Snapshot{TabsCreated: 2}
}

func seedTab(f *fakeController, tabID string) *identity.TabProfile {
	profile := &identity.TabProfile{
		TabID:    tabID,
		Identity: identity.VirtualIdentity{CountryCode: "DE", IP: "198.51.100.1"},
		Status:   identity.StatusActive,
	}
	f.tabs[tabID] = profile
	return profile
}

func TestHandleTabsCreate(t *testing.T) {
	f := newFakeController()
	h := NewHandler(f)

	req := httptest.NewRequest(http.MethodPost, "/api/tabs", strings.NewReader(`{"country_code":"JP"}`))
	rec := httptest.NewRecorder()
	h.HandleTabs(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got identity.TabProfile
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "tab-new", got.TabID)
	assert.Equal(t, "JP", got.Identity.CountryCode)
}

func TestHandleTabsCreatePoolEmpty(t *testing.T) {
	f := newFakeController()
	f.createErr = rotation.ErrNoProxiesAvailable
	h := NewHandler(f)

	req := httptest.NewRequest(http.MethodPost, "/api/tabs", nil)
	rec := httptest.NewRecorder()
	h.HandleTabs(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleTabsCreateUnknownCountry(t *testing.T) {
	f := newFakeController()
	f.createErr = identity.ErrIdentityUnavailable
	h := NewHandler(f)

	req := httptest.NewRequest(http.MethodPost, "/api/tabs", strings.NewReader(`{"country_code":"XX"}`))
	rec := httptest.NewRecorder()
	h.HandleTabs(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleTabsList(t *testing.T) {
	f := newFakeController()
	seedTab(f, "tab-1")
	h := NewHandler(f)

	req := httptest.NewRequest(http.MethodGet, "/api/tabs", nil)
	rec := httptest.NewRecorder()
	h.HandleTabs(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []identity.TabProfile
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "tab-1", got[0].TabID)
}

func TestHandleTabActionsGetAndDelete(t *testing.T) {
	f := newFakeController()
	seedTab(f, "tab-1")
	h := NewHandler(f)

	rec := httptest.NewRecorder()
	h.HandleTabActions(rec, httptest.NewRequest(http.MethodGet, "/api/tabs/tab-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleTabActions(rec, httptest.NewRequest(http.MethodDelete, "/api/tabs/tab-1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"tab-1"}, f.closedTabs)

	rec = httptest.NewRecorder()
	h.HandleTabActions(rec, httptest.NewRequest(http.MethodGet, "/api/tabs/tab-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTabActionsRotateIdentity(t *testing.T) {
	f := newFakeController()
	seedTab(f, "tab-1")
	h := NewHandler(f)

	req := httptest.NewRequest(http.MethodPost, "/api/tabs/tab-1/rotate_identity", strings.NewReader(`{"country_code":"FR"}`))
	rec := httptest.NewRecorder()
	h.HandleTabActions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got identity.VirtualIdentity
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "FR", got.CountryCode)
	assert.Equal(t, "198.51.100.7", got.IP)
}

func TestHandleTabActionsRotateIdentityUnknownTab(t *testing.T) {
	f := newFakeController()
	h := NewHandler(f)

	req := httptest.NewRequest(http.MethodPost, "/api/tabs/tab-missing/rotate_identity", nil)
	rec := httptest.NewRecorder()
	h.HandleTabActions(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTabActionsRotateProxy(t *testing.T) {
	f := newFakeController()
	seedTab(f, "tab-1")
	h := NewHandler(f)

	req := httptest.NewRequest(http.MethodPost, "/api/tabs/tab-1/rotate_proxy", nil)
	rec := httptest.NewRecorder()
	h.HandleTabActions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.ProxyRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "203.0.113.1", got.Address)
}

func TestHandleTabActionsRotateProxyNoProxies(t *testing.T) {
	f := newFakeController()
	f.rotateProxyErr = rotation.ErrNoProxiesAvailable
	h := NewHandler(f)

	req := httptest.NewRequest(http.MethodPost, "/api/tabs/tab-1/rotate_proxy", nil)
	rec := httptest.NewRecorder()
	h.HandleTabActions(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleTabActionsSessionAndPac(t *testing.T) {
	f := newFakeController()
	seedTab(f, "tab-1")
	h := NewHandler(f)

	rec := httptest.NewRecorder()
	h.HandleTabActions(rec, httptest.NewRequest(http.MethodGet, "/api/tabs/tab-1/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats rotation.SessionStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, "tab-1", stats.TabID)
	assert.Equal(t, 4, stats.RequestCount)

	rec = httptest.NewRecorder()
	h.HandleTabActions(rec, httptest.NewRequest(http.MethodGet, "/api/tabs/tab-1/pac", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var pac map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pac))
	assert.Equal(t, "http://127.0.0.1:8090/pac/tab-1", pac["pac_url"])

	rec = httptest.NewRecorder()
	h.HandleTabActions(rec, httptest.NewRequest(http.MethodGet, "/api/tabs/tab-2/session", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTabActionsUnknownAction(t *testing.T) {
	f := newFakeController()
	seedTab(f, "tab-1")
	h := NewHandler(f)

	rec := httptest.NewRecorder()
	h.HandleTabActions(rec, httptest.NewRequest(http.MethodGet, "/api/tabs/tab-1/teleport", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStrategyUpdate(t *testing.T) {
	f := newFakeController()
	h := NewHandler(f)

	req := httptest.NewRequest(http.MethodPut, "/api/strategy", strings.NewReader(`{"kind":"per_request","request_limit":5}`))
	rec := httptest.NewRecorder()
	h.HandleStrategy(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, rotation.KindPerRequest, f.strategy.Kind)
	assert.Equal(t, 5, f.strategy.RequestLimit)
}

func TestHandleStrategyRejectsUnknownKind(t *testing.T) {
	f := newFakeController()
	h := NewHandler(f)

	req := httptest.NewRequest(http.MethodPut, "/api/strategy", strings.NewReader(`{"kind":"fortune_teller"}`))
	rec := httptest.NewRecorder()
	h.HandleStrategy(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, rotation.KindPerSession, f.strategy.Kind)
}

func TestHandleProxiesFilterMapping(t *testing.T) {
	f := newFakeController()
	f.proxies = []*model.ProxyRecord{
		{Address: "10.0.0.1", Port: 8080, Protocol: model.ProtocolHTTP, CountryCode: "DE", Working: true},
		{Address: "10.0.0.2", Port: 1080, Protocol: model.ProtocolSOCKS5, CountryCode: "US"},
	}
	h := NewHandler(f)

	rec := httptest.NewRecorder()
	h.HandleProxies(rec, httptest.NewRequest(http.MethodGet, "/api/proxies?countries=DE,JP", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, provider.FilterByCountry, f.lastFilter.Kind)
	assert.Equal(t, []string{"DE", "JP"}, f.lastFilter.Countries)

	rec = httptest.NewRecorder()
	h.HandleProxies(rec, httptest.NewRequest(http.MethodGet, "/api/proxies?types=socks5,http", nil))
	assert.Equal(t, provider.FilterByType, f.lastFilter.Kind)
	assert.Equal(t, []model.Protocol{model.ProtocolSOCKS5, model.ProtocolHTTP}, f.lastFilter.Types)

	rec = httptest.NewRecorder()
	h.HandleProxies(rec, httptest.NewRequest(http.MethodGet, "/api/proxies?working=true", nil))
	assert.Equal(t, provider.FilterWorkingOnly, f.lastFilter.Kind)

	rec = httptest.NewRecorder()
	h.HandleProxies(rec, httptest.NewRequest(http.MethodGet, "/api/proxies", nil))
	assert.Equal(t, provider.FilterAll, f.lastFilter.Kind)
}

func TestHandleProxyFetch(t *testing.T) {
	f := newFakeController()
	h := NewHandler(f)

	rec := httptest.NewRecorder()
	h.HandleProxyFetch(rec, httptest.NewRequest(http.MethodPost, "/api/proxies/fetch", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, f.fetchTriggered)
}

func TestHandleProxyValidate(t *testing.T) {
	f := newFakeController()
	h := NewHandler(f)

	req := httptest.NewRequest(http.MethodPost, "/api/proxies/validate", strings.NewReader(`{"ids":["10.0.0.1:8080"]}`))
	rec := httptest.NewRecorder()
	h.HandleProxyValidate(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"10.0.0.1:8080"}, f.validatedIDs)
}

func TestHandleProxyImport(t *testing.T) {
	f := newFakeController()
	h := NewHandler(f)

	body := `{"proxies":["10.0.0.1:8080","10.0.0.2:3128"],"protocol":"socks5"}`
	req := httptest.NewRequest(http.MethodPost, "/api/proxies/import", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleProxyImport(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"10.0.0.1:8080", "10.0.0.2:3128"}, f.importedList)
	assert.Equal(t, "socks5", f.importedProto)
}

func TestHandleStatus(t *testing.T) {
	f := newFakeController()
	seedTab(f, "tab-1")
	h := NewHandler(f)

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		ActiveTabs int               `json:"active_tabs"`
		Pool       manager.Stats     `json:"pool"`
		Counters   metrics.Snapshot  `json:"counters"`
		Strategy   rotation.Strategy `json:"strategy"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, 1, got.ActiveTabs)
	assert.Equal(t, uint64(2), got.Counters.TabsCreated)
	assert.Equal(t, rotation.KindPerSession, got.Strategy.Kind)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFakeController()
	h := NewHandler(f)

	rec := httptest.NewRecorder()
	h.HandleTabs(rec, httptest.NewRequest(http.MethodPatch, "/api/tabs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleProxies(rec, httptest.NewRequest(http.MethodDelete, "/api/proxies", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleProxyFetch(rec, httptest.NewRequest(http.MethodGet, "/api/proxies/fetch", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
