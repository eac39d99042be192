package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:       "~/.coursechat/workspace",
			LogLevel:        "info",
			DefaultProvider: "ollama",
			HistoryLimit:    20,
			ThinkingLevel:   "normal",
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Courses: map[string]CourseConfig{},
		Engine: EngineConfig{
			Enabled:            false,
			BaseURL:            "http://localhost:11434",
			KeepAlive:          "10m",
			LoadTimeoutSeconds: 300,
		},
		Routing: RoutingConfig{
			URL:            "http://127.0.0.1:8080/api/chat",
			TimeoutSeconds: 300,
		},
		Memory: MemoryConfig{
			Enabled: true,
			DBPath:  "~/.coursechat/coursechat.db",
		},
		Knowledge: KnowledgeConfig{
			Mode:         "local",
			TokenLimit:   4000,
			ChunkSize:    300,
			ChunkOverlap: 40,
			SearchTopK:   8,
		},
		Vision: VisionConfig{
			Enabled: false,
		},
		Tools: ToolsConfig{
			Dir:            "~/.coursechat/tools",
			Watch:          true,
			MaxParallel:    4,
			TimeoutSeconds: 30,
		},
		MessageLog: MessageLogConfig{
			Enabled: true,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:         false,
			IntervalSeconds: 60,
			TimeoutSeconds:  10,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8080,
			WebsocketPath: "/ws",
		},
	}
}
