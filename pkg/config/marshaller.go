package config

import "github.com/goccy/go-yaml"

func UnmarshalConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MarshalConfig(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func UnmarshalConnectionConfig(data []byte) (*Connection, error) {
	var cfg Connection
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MarshalConnectionConfig(cfg *Connection) ([]byte, error) {
	return yaml.Marshal(cfg)
}
