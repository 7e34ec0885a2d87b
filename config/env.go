package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Structs

// Env holds the secrets of a deployment. They
// come from an .env file next to the config so
// that credentials stay out of version control.
type Env struct {
	User     string
	Password string
}

// Functions

// LoadEnv reads in the .env file at the supplied
// path. An IMAP_USER entry overrides the user from
// the config file, IMAP_PASSWORD must be present.
func LoadEnv(envFile string) (*Env, error) {

	// Load environment file.
	if err := godotenv.Load(envFile); err != nil {
		return nil, errors.Wrapf(err, "failed to read in env file at '%s'", envFile)
	}

	env := new(Env)

	// Fill variables from .env into struct.
	env.User = os.Getenv("IMAP_USER")
	env.Password = os.Getenv("IMAP_PASSWORD")

	if env.Password == "" {
		return nil, errors.Errorf("env file at '%s' does not define IMAP_PASSWORD", envFile)
	}

	return env, nil
}
