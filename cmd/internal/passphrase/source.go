package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves the operator keystore passphrase once per process. The
// environment variable wins when set; otherwise the operator is prompted on
// the terminal. The resolved secret is cached so every caller, from config
// provisioning through keystore unlock, sees the same value.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// prompting interactively.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get resolves the passphrase for unlocking an existing keystore.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve(false) })
	return s.value, s.err
}

// Provision resolves the passphrase for sealing a freshly generated keystore.
// An interactive prompt asks twice and requires both entries to match, so a
// typo cannot seal a new keystore under an unknown secret.
func (s *Source) Provision() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve(true) })
	return s.value, s.err
}

func (s *Source) resolve(confirm bool) (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if s.envVar != "" {
			return "", fmt.Errorf("operator keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("operator keystore passphrase required and no terminal available")
	}

	value, err := readSecret("Enter operator keystore passphrase: ")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return "", errors.New("operator keystore passphrase cannot be empty")
	}
	if confirm {
		again, err := readSecret("Repeat operator keystore passphrase: ")
		if err != nil {
			return "", err
		}
		if again != value {
			return "", errors.New("passphrases do not match")
		}
	}
	return value, nil
}

func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(raw), nil
}
