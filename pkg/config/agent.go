package config

import (
	"fmt"
	"time"

	"github.com/andrej220/linen/pkg/config/configstore"
	"github.com/andrej220/linen/pkg/lg"
	"github.com/andrej220/linen/pkg/sshconn"
)

const (
	DefaultServiceName = "linen-agent"
	DefaultAdminPort   = "8081"
	DefaultWorkers     = 10
	DefaultRunTimeout  = 2 * time.Minute
)

type ServiceConfig struct {
	Name      string `yaml:"name" json:"name"`
	AdminPort string `yaml:"adminPort" json:"adminPort" validate:"omitempty,numeric"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers" json:"brokers" validate:"required,min=1,dive,hostname_port"`
	RequestTopic string   `yaml:"requestTopic" json:"requestTopic" validate:"required"`
	ResultTopic  string   `yaml:"resultTopic" json:"resultTopic"`
	GroupID      string   `yaml:"groupID" json:"groupID" validate:"required"`
}

// ResultsConfig selects where run results go. Both sinks may be enabled.
type ResultsConfig struct {
	MongoURI   string `yaml:"mongoURI" json:"mongoURI"`
	DBName     string `yaml:"dbName" json:"dbName" validate:"required_with=MongoURI"`
	Collection string `yaml:"collection" json:"collection" validate:"required_with=MongoURI"`
	Dir        string `yaml:"dir" json:"dir"`
}

// AgentConfig is the linen-agent configuration document.
type AgentConfig struct {
	Service    ServiceConfig            `yaml:"service" json:"service"`
	Log        lg.Config                `yaml:"log" json:"log"`
	Kafka      KafkaConfig              `yaml:"kafka" json:"kafka"`
	Results    ResultsConfig            `yaml:"results" json:"results"`
	Inventory  FileConfig               `yaml:"inventory" json:"inventory"`
	Workers    int                      `yaml:"workers" json:"workers" validate:"min=0"`
	RunTimeout time.Duration            `yaml:"runTimeout" json:"runTimeout"`
	SSH        sshconn.ResilienceConfig `yaml:"ssh" json:"ssh"`
}

func NewAgentConfig() *AgentConfig {
	return &AgentConfig{SSH: sshconn.DefaultResilienceConfig()}
}

func (c *AgentConfig) ApplyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = DefaultServiceName
	}
	if c.Service.AdminPort == "" {
		c.Service.AdminPort = DefaultAdminPort
	}
	if c.Log.ServiceName == "" {
		c.Log.ServiceName = c.Service.Name
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.RunTimeout == 0 {
		c.RunTimeout = DefaultRunTimeout
	}
}

func (c *AgentConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}
	return nil
}

// LoadAgentConfig loads cfg from store, fills in defaults and validates it.
func LoadAgentConfig(store configstore.ConfigStore) (*AgentConfig, error) {
	cfg := NewAgentConfig()
	if err := store.Load(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
