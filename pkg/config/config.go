package config

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".gdbstub"
	configFile string = "config.yml"
)

// Region describes one mapped range of the simulated address space.
type Region struct {
	Addr     uint32 `yaml:"addr"`
	Size     uint32 `yaml:"size"`
	Writable bool   `yaml:"writable"`
}

// Config defines all options available through the config file.
type Config struct {
	// Listen is the TCP address served when Transport is "tcp".
	Listen string `yaml:"listen"`
	// Transport selects how the host connects: "tcp" or "pty".
	Transport string `yaml:"transport"`

	// Regions of the simulated machine. Code regions are writable so
	// the host can plant breakpoints.
	Regions []Region `yaml:"regions"`

	// Image is a raw binary placed at ImageAddr before the machine
	// starts. Empty selects the built-in demo program.
	Image     string `yaml:"image,omitempty"`
	ImageAddr uint32 `yaml:"image-addr,omitempty"`

	// StackTop is the initial stack pointer.
	StackTop uint32 `yaml:"stack-top,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists:
// a small code region, a stack, and the registered GDB remote port.
func DefaultConfig() *Config {
	return &Config{
		Listen:    "localhost:2159",
		Transport: "tcp",
		Regions: []Region{
			{Addr: 0x1000, Size: 0x10000, Writable: true},
			{Addr: 0x200000, Size: 0x10000, Writable: true},
		},
		ImageAddr: 0x1000,
		StackTop:  0x210000,
	}
}

// LoadConfig populates a Config from path, or from the config file in
// the user's config directory when path is empty. An unreadable or
// broken file degrades to the defaults with a complaint on stdout; a
// missing file in the config directory yields the defaults silently.
func LoadConfig(p string) *Config {
	if p == "" {
		var err error
		p, err = configFilePath()
		if err != nil {
			fmt.Printf("Unable to get config file path: %v.\n", err)
			return DefaultConfig()
		}
		if _, err := os.Stat(p); err != nil {
			return DefaultConfig()
		}
	}

	data, err := os.ReadFile(p)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.\n", err)
		return DefaultConfig()
	}

	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		fmt.Printf("Unable to decode config file: %v.\n", err)
		return DefaultConfig()
	}
	return c
}

// SaveConfig marshals conf to path, or to the default config file when
// path is empty.
func SaveConfig(conf *Config, p string) error {
	data, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	if p == "" {
		if err := createConfigPath(); err != nil {
			return err
		}
		p, err = configFilePath()
		if err != nil {
			return err
		}
	}
	return os.WriteFile(p, data, 0644)
}

func configFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return path.Join(home, configDir, configFile), nil
}

func createConfigPath() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(path.Join(home, configDir), 0700)
}
