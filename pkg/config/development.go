package config

func loadDevelopmentConfig(cfg *Config) {
	cfg.DatabaseDebug = true
	cfg.ServerHost = "127.0.0.1"
	if cfg.DataDir == "/data" {
		cfg.DataDir = "./tmp"
	}
}
