package config

// ProxyConfig holds outbound proxy settings for the remote endpoint client.
type ProxyConfig struct {
	HTTPProxy   string `yaml:"http_proxy,omitempty" env:"HTTP_PROXY"`
	HTTPSProxy  string `yaml:"https_proxy,omitempty" env:"HTTPS_PROXY"`
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty" env:"SOCKS5_PROXY"`
	NoProxy     string `yaml:"no_proxy,omitempty" env:"NO_PROXY"`
}

// HasProxy reports whether any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	if p == nil {
		return false
	}
	return p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != ""
}
