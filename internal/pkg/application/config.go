package application

import (
	"io"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/application/events"
	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	Devices        []string      `yaml:"devices"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	Cooldown       time.Duration `yaml:"cooldown"`

	events.Config `yaml:",inline"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
