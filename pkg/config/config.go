// Package config loads the inventory of hosts remux connects to.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"dario.cat/mergo"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/nicklasfrahm/remux/pkg/sshx"
)

const (
	// Program is used to configure the name of the configuration file.
	Program = "remux"
)

// Host describes how to reach a host. Empty fields are taken from the
// defaults of the inventory.
type Host struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	KeyFile        string `yaml:"key-file"`
	SSHConfig      string `yaml:"ssh-config"`
	KnownHostsFile string `yaml:"known-hosts-file"`
	// KnownHosts is one of "strict", "add" or "accept".
	KnownHosts string `yaml:"known-hosts"`
	// Backend is either "process" or "mux".
	Backend string `yaml:"backend"`

	ConnectTimeout      time.Duration `yaml:"connect-timeout"`
	ServerAliveInterval time.Duration `yaml:"server-alive-interval"`
	Compression         *bool         `yaml:"compression"`

	// SSHPath is the ssh executable to run.
	SSHPath string `yaml:"ssh-path"`
	// ControlDir is where control sockets of new masters are created.
	ControlDir string `yaml:"control-dir"`
	// ControlPath is the socket of a running master to use instead of
	// starting a new one. ControlLog is the log file of that master.
	ControlPath string `yaml:"control-path"`
	ControlLog  string `yaml:"control-log"`
}

// Config is the inventory of hosts.
type Config struct {
	// Defaults is merged into every host.
	Defaults Host `yaml:"defaults"`

	// Hosts maps names to hosts. A name without a host field is used as
	// the host name.
	Hosts map[string]Host `yaml:"hosts"`
}

// LoadConfig sets up the configuration parser and loads
// the configuration file.
func LoadConfig(configFile string) (*Config, error) {
	configBytes, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}

	// Parse YAML config into struct.
	config := new(Config)
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("%s: %w", configFile, err)
	}

	if err := config.Verify(); err != nil {
		return nil, fmt.Errorf("%s: %w", configFile, err)
	}

	return config, nil
}

// Verify verifies the configuration file.
func (c *Config) Verify() error {
	if c == nil {
		return errors.New("configuration empty")
	}

	if err := c.Defaults.verify(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	for _, name := range c.Names() {
		host := c.Hosts[name]
		if err := host.verify(); err != nil {
			return fmt.Errorf("host %s: %w", name, err)
		}
	}

	return nil
}

func (h *Host) verify() error {
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("port %d out of range", h.Port)
	}
	if _, err := sshx.ParseKnownHosts(h.KnownHosts); err != nil {
		return err
	}
	if _, err := sshx.ParseBackend(h.Backend); err != nil {
		return err
	}
	if h.ConnectTimeout < 0 || h.ServerAliveInterval < 0 {
		return errors.New("negative duration")
	}
	if h.ControlLog != "" && h.ControlPath == "" {
		return errors.New("control-log requires control-path")
	}
	return nil
}

// Names returns the names of all hosts in the inventory, sorted.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Hosts))
	for name := range c.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve looks up a host by name and completes it with the defaults.
// Names that are not in the inventory are parsed as destinations of the
// form [user@]host[:port].
func (c *Config) Resolve(name string) (Host, error) {
	host, ok := c.Hosts[name]
	if ok {
		if host.Host == "" {
			host.Host = name
		}
	} else {
		dest, err := sshx.ParseDestination(name)
		if err != nil {
			return Host{}, err
		}
		host = Host{Host: dest.Host, User: dest.User, Port: dest.Port}
	}

	if err := mergo.Merge(&host, c.Defaults); err != nil {
		return Host{}, err
	}
	return host, nil
}

// Destination returns the host in the form accepted by sshx.Connect.
func (h *Host) Destination() string {
	return sshx.Destination{User: h.User, Host: h.Host, Port: h.Port}.String()
}

// Options converts the host into the options of a session.
func (h *Host) Options(logger *zerolog.Logger) ([]sshx.Option, error) {
	backend, err := sshx.ParseBackend(h.Backend)
	if err != nil {
		return nil, err
	}

	options := []sshx.Option{
		sshx.WithLogger(logger),
		sshx.WithBackend(backend),
	}
	if h.SSHPath != "" {
		options = append(options, sshx.WithSSHPath(h.SSHPath))
	}
	if h.ControlDir != "" {
		options = append(options, sshx.WithControlDir(h.ControlDir))
	}
	if h.KeyFile != "" {
		options = append(options, sshx.WithKeyFile(h.KeyFile))
	}
	if h.SSHConfig != "" {
		options = append(options, sshx.WithConfigFile(h.SSHConfig))
	}
	if h.KnownHostsFile != "" {
		options = append(options, sshx.WithUserKnownHostsFile(h.KnownHostsFile))
	}
	if h.ConnectTimeout > 0 {
		options = append(options, sshx.WithConnectTimeout(h.ConnectTimeout))
	}
	if h.ServerAliveInterval > 0 {
		options = append(options, sshx.WithServerAliveInterval(h.ServerAliveInterval))
	}
	if h.Compression != nil {
		options = append(options, sshx.WithCompression(*h.Compression))
	}

	return options, nil
}

// Open returns a session to the host. If a control path is configured,
// the running master is resumed, otherwise a new one is started. The
// returned flag reports whether the session owns its master.
func (h *Host) Open(ctx context.Context, logger *zerolog.Logger, extra ...sshx.Option) (*sshx.Session, bool, error) {
	options, err := h.Options(logger)
	if err != nil {
		return nil, false, err
	}
	options = append(options, extra...)

	if h.ControlPath != "" {
		session, err := sshx.Resume(h.ControlPath, h.ControlLog, options...)
		return session, false, err
	}

	knownHosts, err := sshx.ParseKnownHosts(h.KnownHosts)
	if err != nil {
		return nil, false, err
	}

	session, err := sshx.Connect(ctx, h.Destination(), knownHosts, options...)
	return session, true, err
}
