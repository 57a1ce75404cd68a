package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a keystore passphrase at most once per process: from an
// environment variable when set, else by prompting on the controlling
// terminal. Every later Get returns the cached result.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource returns a Source that consults envVar before falling back to an
// interactive prompt.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get resolves and caches the passphrase. Blank passphrases are rejected in
// both paths so a keystore is never written unprotected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	return s.prompt()
}

func (s *Source) prompt() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}

	fmt.Fprint(os.Stderr, "Enter keystore passphrase: ")
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if strings.TrimSpace(string(secret)) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	return string(secret), nil
}
