package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	rerrors "github.com/treemana/rosdns/errors"
	"github.com/treemana/rosdns/log"
)

type Log struct {
	File       string `toml:"file" yaml:"file"`
	STDOUT     bool   `toml:"stdout" yaml:"stdout"`
	Verbose    bool   `toml:"verbose" yaml:"verbose"`
	JSON       bool   `toml:"json" yaml:"json"`
	MaxSize    int    `toml:"max_size" yaml:"max_size" validate:"gte=0"`
	MaxAge     int    `toml:"max_age" yaml:"max_age" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups" validate:"gte=0"`
	Compress   bool   `toml:"compress" yaml:"compress"`
}

type DNS struct {
	Listen       string   `toml:"listen" yaml:"listen" validate:"required,ip"`
	Port         int      `toml:"port" yaml:"port" validate:"min=1,max=65535"`
	Upstream     string   `toml:"upstream" yaml:"upstream" validate:"required,url"`
	Backup       string   `toml:"backup" yaml:"backup" validate:"required,url"`
	BlockAddress string   `toml:"block_address" yaml:"block_address" validate:"required,ipv4"`
	Timeout      Duration `toml:"timeout" yaml:"timeout"`
	CAFile       string   `toml:"ca_file" yaml:"ca_file"` // PEM roots for tls:// resolvers, system roots when empty
}

type Lists struct {
	Proxied       string   `toml:"proxied" yaml:"proxied"`
	Blocked       string   `toml:"blocked" yaml:"blocked"`
	Excluded      string   `toml:"excluded" yaml:"excluded"`
	ExcludedHosts []string `toml:"excluded_hosts" yaml:"excluded_hosts" validate:"dive,required"`
}

type Router struct {
	Address        string   `toml:"address" yaml:"address" validate:"required,hostname_port"`
	User           string   `toml:"user" yaml:"user" validate:"required"`
	Password       string   `toml:"password" yaml:"password"`
	List           string   `toml:"list" yaml:"list" validate:"required"`
	EntryTimeout   Duration `toml:"entry_timeout" yaml:"entry_timeout"`
	CommandTimeout Duration `toml:"command_timeout" yaml:"command_timeout"`
	AcquireTimeout Duration `toml:"acquire_timeout" yaml:"acquire_timeout"`
	MaxConnections int      `toml:"max_connections" yaml:"max_connections" validate:"min=1,max=64"`
	IdleTimeout    Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	EvictInterval  Duration `toml:"evict_interval" yaml:"evict_interval"`
}

type Bus struct {
	Workers int `toml:"workers" yaml:"workers" validate:"min=1"`
	Queue   int `toml:"queue" yaml:"queue" validate:"min=1"`
}

type Admin struct {
	Listen string `toml:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
	Token  string `toml:"token" yaml:"token"`
}

type Config struct {
	Log    Log    `toml:"log" yaml:"log"`
	DNS    DNS    `toml:"dns" yaml:"dns"`
	Lists  Lists  `toml:"lists" yaml:"lists"`
	Router Router `toml:"router" yaml:"router"`
	Bus    Bus    `toml:"bus" yaml:"bus"`
	Admin  Admin  `toml:"admin" yaml:"admin"`

	path string
}

// Path is the absolute path the configuration was loaded from.
func (c *Config) Path() string { return c.path }

// Resolve makes a list path relative to the configuration file absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

func Default() *Config {
	return &Config{
		Log: Log{STDOUT: true, MaxSize: 10, MaxAge: 2, MaxBackups: 100},
		DNS: DNS{
			Listen:  "0.0.0.0",
			Port:    53,
			Timeout: Duration(5 * time.Second),
		},
		Router: Router{
			CommandTimeout: Duration(10 * time.Second),
			AcquireTimeout: Duration(30 * time.Second),
			MaxConnections: 10,
			IdleTimeout:    Duration(30 * time.Second),
			EvictInterval:  Duration(5 * time.Second),
		},
		Bus: Bus{Workers: 8, Queue: 1024},
	}
}

// Load reads a TOML file, or YAML when the extension says so, over the
// defaults and validates the result.
func Load(configPath string) (*Config, error) {
	configFile, err := filepath.Abs(filepath.Clean(configPath))
	if err != nil {
		return nil, rerrors.Config("failed to get absolute path", err)
	}

	content, err := os.ReadFile(configFile)
	if err != nil {
		return nil, rerrors.Config("failed to read config file", err)
	}

	var c *Config
	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".yaml", ".yml":
		c, err = ParseYAML(content)
	default:
		c, err = ParseTOML(content)
	}
	if err != nil {
		return nil, err
	}
	c.path = configFile

	if err = c.Validate(); err != nil {
		return nil, err
	}

	log.Sugar.Debugf("configuration file path: %s", configFile)
	return c, nil
}

func ParseTOML(content []byte) (*Config, error) {
	c := Default()
	if err := toml.Unmarshal(content, c); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			log.Sugar.Errorf("config error at line %d, column %d\n%s", row, col, derr.String())
			return nil, rerrors.Config(fmt.Sprintf("failed to parse config at line %d, column %d", row, col), err)
		}
		return nil, rerrors.Config("failed to parse config", err)
	}
	return c, nil
}

func ParseYAML(content []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(content, c); err != nil {
		return nil, rerrors.Config("failed to parse config", err)
	}
	return c, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return rerrors.Config(strings.Join(msgs, "; "), err)
		}
		return rerrors.Config("validation failed", err)
	}

	for _, raw := range []string{c.DNS.Upstream, c.DNS.Backup} {
		if !strings.HasPrefix(raw, "udp://") && !strings.HasPrefix(raw, "tls://") {
			return rerrors.Config(fmt.Sprintf("unsupported resolver scheme in %q", raw), nil)
		}
	}
	return nil
}

// LogConfig maps the [log] section onto the logger configuration.
func (c *Config) LogConfig() log.Config {
	return log.Config{
		File:       c.Log.File,
		STDOUT:     c.Log.STDOUT,
		MaxAge:     c.Log.MaxAge,
		MaxSize:    c.Log.MaxSize,
		MaxBackups: c.Log.MaxBackups,
		Compress:   c.Log.Compress,
		JsonFormat: c.Log.JSON,
		Verbose:    c.Log.Verbose,
	}
}
