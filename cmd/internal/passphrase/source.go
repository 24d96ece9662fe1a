// Package passphrase resolves keystore passphrases for the command-line
// tools, preferring an environment variable and falling back to a terminal
// prompt.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a keystore passphrase. The value is cached after
// the first successful retrieval so repeated keystore opens reuse it.
type Source struct {
	envVar string
	prompt string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting with
// the given message on the terminal.
func NewSource(envVar, prompt string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), prompt: prompt}
}

// Get returns the cached passphrase or resolves it on first call. When the
// environment variable is set its exact value is used; otherwise the
// operator is prompted on stderr. An empty passphrase is allowed here, it
// opens the unencrypted development keystores the node generates itself.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				s.value = value
				return
			}
		}
		s.value, s.err = read(s.prompt)
	})
	return s.value, s.err
}

// GetNew resolves a passphrase for a key that is being created: the
// environment variable wins when set, otherwise the operator types it twice
// and the entries must match. Whitespace-only passphrases are rejected so a
// new keystore is never silently unprotected.
func (s *Source) GetNew() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	first, err := read(s.prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(first) == "" {
		return "", errors.New("passphrase cannot be empty")
	}
	second, err := read("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}

func read(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("passphrase required and no terminal available")
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}
