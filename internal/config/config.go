// Package config loads and validates the proxy configuration from
// configs/config.yml. The file is read once at startup and immutable
// afterwards.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the proxy looks for its configuration.
const DefaultPath = "configs/config.yml"

// Client types supported by the pseudonymization server block.
const (
	ClientTypeGPAS = "gPAS"
	ClientTypeMII  = "MII"
)

// ErrUnknownDestination is returned when a C-MOVE destination AE title is
// not present in ALLOWED_AET.
var ErrUnknownDestination = fmt.Errorf("move destination not in ALLOWED_AET")

// Endpoint is a local listener: AE title plus TCP port.
type Endpoint struct {
	AET  string `yaml:"AET" validate:"required,max=16"`
	Port int    `yaml:"PORT" validate:"required,gt=0,lte=65535"`
}

// Addr returns the listen address for the endpoint.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("0.0.0.0:%d", e.Port)
}

// Upstream identifies the real PACS behind the proxy.
type Upstream struct {
	AET  string `yaml:"AET"`
	IP   string `yaml:"IP" validate:"required"`
	Port int    `yaml:"PORT" validate:"required,gt=0,lte=65535"`
}

// Addr returns the dial address of the upstream PACS.
func (u Upstream) Addr() string {
	return net.JoinHostPort(u.IP, strconv.Itoa(u.Port))
}

// Destination is a resolved C-MOVE target. In the YAML it may be written
// either as a two-element list `[ip, port]` or as a mapping with IP/PORT
// keys.
type Destination struct {
	IP   string
	Port int
}

// Addr returns the dial address of the destination.
func (d Destination) Addr() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// UnmarshalYAML accepts both the list and the mapping form.
func (d *Destination) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var pair []string
		if err := node.Decode(&pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("destination list must be [ip, port], got %d elements", len(pair))
		}
		port, err := strconv.Atoi(pair[1])
		if err != nil {
			return fmt.Errorf("destination port %q: %w", pair[1], err)
		}
		d.IP, d.Port = pair[0], port
		return nil
	case yaml.MappingNode:
		var m struct {
			IP   string `yaml:"IP"`
			Port int    `yaml:"PORT"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		d.IP, d.Port = m.IP, m.Port
		return nil
	default:
		return fmt.Errorf("destination must be a list or a mapping")
	}
}

// PseudonymServer configures the external pseudonymization service.
type PseudonymServer struct {
	ClientType  string `yaml:"CLIENT_TYPE" validate:"required,oneof=gPAS MII"`
	EndpointURL string `yaml:"ENDPOINT_URL" validate:"required,url"`
	Domain      string `yaml:"DOMAIN" validate:"required"`
	User        string `yaml:"USER"`
	Password    string `yaml:"PASSWORD"`
}

// Timeouts groups the network timeouts with their defaults.
type Timeouts struct {
	Association time.Duration `yaml:"ASSOCIATION"`
	HTTP        time.Duration `yaml:"HTTP"`
}

// UnmarshalYAML parses the timeouts from Go duration strings ("30s").
func (t *Timeouts) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Association string `yaml:"ASSOCIATION"`
		HTTP        string `yaml:"HTTP"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Association != "" {
		d, err := time.ParseDuration(raw.Association)
		if err != nil {
			return fmt.Errorf("TIMEOUTS.ASSOCIATION: %w", err)
		}
		t.Association = d
	}
	if raw.HTTP != "" {
		d, err := time.ParseDuration(raw.HTTP)
		if err != nil {
			return fmt.Errorf("TIMEOUTS.HTTP: %w", err)
		}
		t.HTTP = d
	}
	return nil
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"LEVEL"`
	Format string `yaml:"FORMAT"`
}

// Admin configures the HTTP surface for health and metrics.
type Admin struct {
	Port int `yaml:"PORT"`
}

// Config is the full proxy configuration.
type Config struct {
	Ingress        Endpoint               `yaml:"INGRESS" validate:"required"`
	CStoreEndpoint Endpoint               `yaml:"C_STORE_ENDPOINT" validate:"required"`
	Upstream       Upstream               `yaml:"UPSTREAM" validate:"required"`
	AllowedAET     map[string]Destination `yaml:"ALLOWED_AET"`
	Pseudonym      PseudonymServer        `yaml:"PSEUDONYMIZATION_SERVER" validate:"required"`
	Timeouts       Timeouts               `yaml:"TIMEOUTS"`
	Log            Log                    `yaml:"LOG"`
	Admin          Admin                  `yaml:"ADMIN"`
}

// Load reads the YAML configuration at path. A .env file in the working
// directory is loaded first so that ${VAR} references in the YAML can be
// expanded from the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Upstream.AET == "" {
		c.Upstream.AET = "ANY-SCP"
	}
	if c.Timeouts.Association == 0 {
		c.Timeouts.Association = 30 * time.Second
	}
	if c.Timeouts.HTTP == 0 {
		c.Timeouts.HTTP = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8080
	}
}

// Validate checks the configuration for structural errors. Failures here
// abort startup.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Ingress.Port == c.CStoreEndpoint.Port {
		return fmt.Errorf("invalid configuration: INGRESS and C_STORE_ENDPOINT must use distinct ports")
	}
	for aet, dst := range c.AllowedAET {
		if dst.IP == "" || dst.Port <= 0 || dst.Port > 65535 {
			return fmt.Errorf("invalid configuration: ALLOWED_AET[%s] has no usable address", aet)
		}
	}
	return nil
}

// ResolveMoveDestination maps a client-supplied MoveDestination AE title to
// its configured address. Unknown titles fail the move.
func (c *Config) ResolveMoveDestination(aet string) (Destination, error) {
	dst, ok := c.AllowedAET[aet]
	if !ok {
		return Destination{}, fmt.Errorf("%w: %q", ErrUnknownDestination, aet)
	}
	return dst, nil
}
