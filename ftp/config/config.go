// Package config holds the server settings shared by every session:
// credentials, listen port, MODE Z level, hostname and the mtime
// lookup switch. Values persist to a single file via SITE SAVE.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/mindflavor/goserializer"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/R-YaTian/ftpd/ftp/fs"
)

// Defaults applied when the config file is missing or partial.
const (
	DefaultPort         = 5000
	DefaultDeflateLevel = 6
)

type settings struct {
	User         string `mapstructure:"user"`
	Pass         string `mapstructure:"pass"`
	Port         int    `mapstructure:"port" validate:"min=0,max=65535"`
	DeflateLevel int    `mapstructure:"deflate_level" validate:"min=0,max=9"`
	Hostname     string `mapstructure:"hostname" validate:"omitempty,hostname_rfc1123"`
	GetMTime     bool   `mapstructure:"get_mtime"`
	PasvMinPort  int    `mapstructure:"pasv_min_port" validate:"min=0,max=65535"`
	PasvMaxPort  int    `mapstructure:"pasv_max_port" validate:"min=0,max=65535,gtefield=PasvMinPort"`
}

// Config is the shared configuration view. Every accessor serializes
// through the same handler so sessions on other threads stay safe.
type Config struct {
	path      string
	v         *viper.Viper
	s         settings
	validate  *validator.Validate
	handler   serializer.Serializer
	mtimeHook fs.MTimeHook
}

// Load reads the config file at path, falling back to defaults when it
// does not exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("user", "")
	v.SetDefault("pass", "")
	v.SetDefault("port", DefaultPort)
	v.SetDefault("deflate_level", DefaultDeflateLevel)
	v.SetDefault("hostname", "")
	v.SetDefault("get_mtime", false)
	v.SetDefault("pasv_min_port", 0)
	v.SetDefault("pasv_max_port", 0)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}

		log.WithFields(log.Fields{"path": path}).Info("config::Load no config file, using defaults")
	}

	cfg := &Config{
		path:     path,
		v:        v,
		validate: validator.New(),
		handler:  serializer.New(),
	}

	if err := v.Unmarshal(&cfg.s); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate.Struct(&cfg.s); err != nil {
		return nil, fmt.Errorf("config: invalid settings in %s: %w", path, err)
	}

	log.WithFields(log.Fields{
		"path":          path,
		"port":          cfg.s.Port,
		"deflate_level": cfg.s.DeflateLevel,
	}).Debug("config::Load loaded")

	return cfg, nil
}

// Save persists the current settings to the config file.
func (c *Config) Save() error {
	ret := c.handler.Serialize(func() interface{} {
		c.v.Set("user", c.s.User)
		c.v.Set("pass", c.s.Pass)
		c.v.Set("port", c.s.Port)
		c.v.Set("deflate_level", c.s.DeflateLevel)
		c.v.Set("hostname", c.s.Hostname)
		c.v.Set("get_mtime", c.s.GetMTime)
		c.v.Set("pasv_min_port", c.s.PasvMinPort)
		c.v.Set("pasv_max_port", c.s.PasvMaxPort)

		return c.v.WriteConfigAs(c.path)
	})

	if err, ok := ret.(error); ok && err != nil {
		log.WithFields(log.Fields{"path": c.path, "err": err}).Warn("config::Config::Save failed")
		return err
	}

	log.WithFields(log.Fields{"path": c.path}).Info("config::Config::Save persisted")
	return nil
}

// User returns the configured username ("" disables the USER check).
func (c *Config) User() string {
	return c.handler.Serialize(func() interface{} { return c.s.User }).(string)
}

// SetUser updates the username.
func (c *Config) SetUser(user string) {
	c.handler.Serialize(func() interface{} {
		c.s.User = user
		return nil
	})
}

// Pass returns the configured password ("" disables the PASS check).
func (c *Config) Pass() string {
	return c.handler.Serialize(func() interface{} { return c.s.Pass }).(string)
}

// SetPass updates the password.
func (c *Config) SetPass(pass string) {
	c.handler.Serialize(func() interface{} {
		c.s.Pass = pass
		return nil
	})
}

// Port returns the control listen port.
func (c *Config) Port() int {
	return c.handler.Serialize(func() interface{} { return c.s.Port }).(int)
}

// SetPort parses and stores a new listen port (SITE PORT).
func (c *Config) SetPort(arg string) error {
	port, err := strconv.Atoi(arg)
	if err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("config: port %d out of range", port)
	}

	c.handler.Serialize(func() interface{} {
		c.s.Port = port
		return nil
	})

	return nil
}

// DeflateLevel returns the MODE Z compression level.
func (c *Config) DeflateLevel() int {
	return c.handler.Serialize(func() interface{} { return c.s.DeflateLevel }).(int)
}

// SetDeflateLevel stores a new MODE Z level, 0-9.
func (c *Config) SetDeflateLevel(level int) error {
	if level < 0 || level > 9 {
		return fmt.Errorf("config: deflate level %d out of range", level)
	}

	c.handler.Serialize(func() interface{} {
		c.s.DeflateLevel = level
		return nil
	})

	return nil
}

// Hostname returns the advertised hostname.
func (c *Config) Hostname() string {
	return c.handler.Serialize(func() interface{} { return c.s.Hostname }).(string)
}

// SetHostname stores a new hostname (SITE HOST).
func (c *Config) SetHostname(name string) error {
	if err := c.validate.Var(name, "omitempty,hostname_rfc1123"); err != nil {
		return err
	}

	c.handler.Serialize(func() interface{} {
		c.s.Hostname = name
		return nil
	})

	return nil
}

// GetMTime reports whether the mtime lookup hook is enabled.
func (c *Config) GetMTime() bool {
	return c.handler.Serialize(func() interface{} { return c.s.GetMTime }).(bool)
}

// SetGetMTime toggles the mtime lookup hook (SITE MTIME).
func (c *Config) SetGetMTime(on bool) {
	c.handler.Serialize(func() interface{} {
		c.s.GetMTime = on
		return nil
	})
}

// PasvRange returns the configured PASV port range; 0,0 selects kernel
// ephemeral allocation.
func (c *Config) PasvRange() (int, int) {
	ret := c.handler.Serialize(func() interface{} {
		return [2]int{c.s.PasvMinPort, c.s.PasvMaxPort}
	}).([2]int)

	return ret[0], ret[1]
}

// MTimeHook returns the optional out-of-band mtime lookup.
func (c *Config) MTimeHook() fs.MTimeHook {
	return c.handler.Serialize(func() interface{} { return c.mtimeHook }).(fs.MTimeHook)
}

// SetMTimeHook installs the out-of-band mtime lookup.
func (c *Config) SetMTimeHook(hook fs.MTimeHook) {
	c.handler.Serialize(func() interface{} {
		c.mtimeHook = hook
		return nil
	})
}
