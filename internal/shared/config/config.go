package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"ghosttab/internal/shared/types"
)

// LoadIni 只加载 ghosttab.ini 行为配置文件。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvInt(&cfg.WebConf.WebPort, "GHOSTTAB_WEB_PORT")
	overrideFromEnvInt(&cfg.LocalProxyConf.PacPort, "GHOSTTAB_PAC_PORT")
	applyDefaults(cfg)
	return nil
}

// LoadJSON 加载一个 JSON 数据文件到 out。文件不存在时返回 os.ErrNotExist，
// 由调用方决定是否回退到内置数据。
func LoadJSON(fileName string, out interface{}) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", fileName, err)
	}
	return nil
}

func applyDefaults(cfg *types.Config) {
	if cfg.CommonConf.BufferSize <= 0 {
		cfg.CommonConf.BufferSize = 8192
	}
	if cfg.ProxyPoolConf.ValidationTimeoutSeconds <= 0 {
		cfg.ProxyPoolConf.ValidationTimeoutSeconds = 10
	}
	if cfg.ProxyPoolConf.ValidationConcurrency <= 0 {
		cfg.ProxyPoolConf.ValidationConcurrency = 20
	}
	if cfg.ProxyPoolConf.ValidationMaxRetries <= 0 {
		cfg.ProxyPoolConf.ValidationMaxRetries = 3
	}
	if cfg.ProxyPoolConf.MaxConsecutiveFailures <= 0 {
		cfg.ProxyPoolConf.MaxConsecutiveFailures = 3
	}
	if cfg.ProxyPoolConf.QuarantineDurationMinutes <= 0 {
		cfg.ProxyPoolConf.QuarantineDurationMinutes = 10
	}
	if cfg.ProxyPoolConf.FetchIntervalMinutes <= 0 {
		cfg.ProxyPoolConf.FetchIntervalMinutes = 5
	}
	if cfg.LocalProxyConf.PortRangeStart <= 0 {
		cfg.LocalProxyConf.PortRangeStart = 9000
	}
	if cfg.LocalProxyConf.PortRangeEnd <= 0 {
		cfg.LocalProxyConf.PortRangeEnd = 9999
	}
	if cfg.LocalProxyConf.PacPort <= 0 {
		cfg.LocalProxyConf.PacPort = 8080
	}
	if cfg.RotationConf.Strategy == "" {
		cfg.RotationConf.Strategy = "per_session"
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
