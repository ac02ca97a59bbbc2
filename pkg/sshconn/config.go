package sshconn

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort    = 22
	DefaultTimeout = 10 * time.Second
)

var ErrInvalidConfig = errors.New("invalid ssh node config")

var validate = validator.New()

// NodeConfig is the ssh view of a node's ConfigMap.
type NodeConfig struct {
	Host     string        `yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port     int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User     string        `yaml:"user" validate:"required"`
	Password string        `yaml:"password" validate:"required_without=KeyPath"`
	KeyPath  string        `yaml:"key_path" validate:"required_without=Password"`
	HostKey  string        `yaml:"host_key"` // authorized_keys format; empty accepts any key
	Timeout  time.Duration `yaml:"timeout"`
}

// ParseNodeConfig decodes and validates cfg. Port and Timeout get defaults.
func ParseNodeConfig(cfg map[string]any) (*NodeConfig, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrInvalidConfig, err)
	}
	var nc NodeConfig
	if err := yaml.Unmarshal(raw, &nc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}
	if nc.Port == 0 {
		nc.Port = DefaultPort
	}
	if nc.Timeout == 0 {
		nc.Timeout = DefaultTimeout
	}
	if err := validate.Struct(&nc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &nc, nil
}

func (c *NodeConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ClientConfig builds the ssh client configuration for c.
func (c *NodeConfig) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.KeyPath != "" {
		keyAuth, err := publicKeyAuth(c.KeyPath)
		if err != nil {
			return nil, err
		}
		auth = append(auth, keyAuth)
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.HostKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.HostKey))
		if err != nil {
			return nil, fmt.Errorf("%w: host_key: %v", ErrInvalidConfig, err)
		}
		hostKeyCallback = ssh.FixedHostKey(pub)
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.Timeout,
		BannerCallback:  func(message string) error { return nil }, // ignore banner
	}, nil
}

func publicKeyAuth(privateKeyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}
