package config

import (
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Structs

// Config holds all information parsed from
// the supplied config file.
type Config struct {
	PrometheusAddr string
	Server         Server
	Idle           Idle
}

// Server describes the IMAP server endpoint to
// connect to and how the connection is secured.
type Server struct {
	Addr        string
	User        string
	TLS         bool
	StartTLS    bool
	RootCertLoc string
}

// Idle configures the long-poll multiplexer: the
// folders to watch and its timing knobs.
type Idle struct {
	Folders             []string
	MaxAgeSeconds       uint32
	PollIntervalMS      uint32
	EmptyBackoffSeconds uint32
}

// Functions

// LoadConfig takes in the path to the config file
// in TOML syntax and places the values from the
// file in the corresponding struct.
func LoadConfig(configFile string) (*Config, error) {

	conf := new(Config)

	// Parse values from TOML file into struct.
	if _, err := toml.DecodeFile(configFile, conf); err != nil {
		return nil, errors.Wrapf(err, "failed to read in TOML config file at '%s'", configFile)
	}

	if conf.Server.Addr == "" {
		return nil, errors.Errorf("config file at '%s' does not name a server address", configFile)
	}

	// Implicit TLS and STARTTLS upgrade exclude each other.
	if conf.Server.TLS && conf.Server.StartTLS {
		return nil, errors.New("server section enables both implicit TLS and STARTTLS, pick one")
	}

	// Resolve a relative root certificate location
	// against the directory of the config file.
	if conf.Server.RootCertLoc != "" && !filepath.IsAbs(conf.Server.RootCertLoc) {

		base, err := filepath.Abs(filepath.Dir(configFile))
		if err != nil {
			return nil, errors.Wrap(err, "could not get absolute path of config directory")
		}

		conf.Server.RootCertLoc = filepath.Join(base, conf.Server.RootCertLoc)
	}

	return conf, nil
}

// MaxAge converts the configured session age limit,
// falling back to zero so that the multiplexer's
// default takes over.
func (i Idle) MaxAge() time.Duration {
	return time.Duration(i.MaxAgeSeconds) * time.Second
}

// PollInterval converts the configured sweep pacing.
func (i Idle) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalMS) * time.Millisecond
}

// EmptyBackoff converts the configured pause for an
// empty registry.
func (i Idle) EmptyBackoff() time.Duration {
	return time.Duration(i.EmptyBackoffSeconds) * time.Second
}
