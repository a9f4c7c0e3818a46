package types

// CommonConf 包含共有的配置
type CommonConf struct {
	MaxConnections int `ini:"maxConnections"`
	BufferSize     int `ini:"bufferSize"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// ProxyPoolConf 包含代理池模块的配置
type ProxyPoolConf struct {
	FetchIntervalMinutes       int `ini:"fetch_interval_minutes"`
	ValidationTimeoutSeconds   int `ini:"validation_timeout_seconds"`
	ValidationConcurrency      int `ini:"validation_concurrency"`
	ValidationMaxRetries       int `ini:"validation_max_retries"`
	MaxConsecutiveFailures     int `ini:"max_consecutive_failures"`
	QuarantineDurationMinutes  int `ini:"quarantine_duration_minutes"`
	HealthCheckIntervalSeconds int `ini:"health_check_interval_seconds"`
}

// LocalProxyConf 包含本地转发代理的端口配置
type LocalProxyConf struct {
	PortRangeStart int `ini:"port_range_start"`
	PortRangeEnd   int `ini:"port_range_end"`
	PacPort        int `ini:"pac_port"`
}

// RotationConf configures the default rotation strategy applied at startup.
// The strategy can be replaced at runtime through the web API.
type RotationConf struct {
	Strategy        string  `ini:"strategy"`
	RequestLimit    int     `ini:"request_limit"`
	IntervalSeconds int     `ini:"interval_seconds"`
	Probability     float64 `ini:"probability"`
	Countries       string  `ini:"countries"` // comma separated country codes
}

// WebConf 包含 Web API / Dashboard 的配置
type WebConf struct {
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// IdentityConf points at the optional JSON data files backing the
// identity generator. Missing files fall back to the built-in tables.
type IdentityConf struct {
	CountriesFile string `ini:"countries_file"`
	IPRangesFile  string `ini:"ip_ranges_file"`
}

// Config 是统一配置结构体 (行为配置, 来自 ghosttab.ini)
type Config struct {
	CommonConf     `ini:"common"`
	LogConf        `ini:"log"`
	ProxyPoolConf  `ini:"proxypool"`
	LocalProxyConf `ini:"localproxy"`
	RotationConf   `ini:"rotation"`
	WebConf        `ini:"web"`
	IdentityConf   `ini:"identity"`
}
