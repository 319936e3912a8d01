package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			LogFormat:             "text",
			MaxConcurrentMessages: 5,
			BusBufferSize:         100,
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{
				Enabled: true,
			},
			Web: WebConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8080,
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8081,
				Path:    "/ws",
			},
			Webhook: WebhookConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    9090,
				Path:    "/webhook",
			},
		},
		Stats: StatsConfig{
			Enabled: true,
			DBPath:  "~/.echobot/stats.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
