// Package config locates agency's local state and obtains the password
// that unlocks the key vault.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/term"
)

// PasswordEnv overrides the interactive vault password prompt.
const PasswordEnv = "AGENCY_PASSWORD"

// ErrNoPassword is returned when no password is set and stdin is not a
// terminal.
var ErrNoPassword = errors.New("no vault password: set " + PasswordEnv + " or run interactively")

// Paths holds the agency data locations
type Paths struct {
	DataDir   string
	VaultPath string
}

// Default returns paths under $XDG_DATA_HOME/agency (or
// ~/.local/share/agency), creating the directory.
func Default() (*Paths, error) {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return InDir(filepath.Join(dataHome, "agency"))
}

// InDir returns paths rooted at dataDir, creating it.
func InDir(dataDir string) (*Paths, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Paths{
		DataDir:   dataDir,
		VaultPath: filepath.Join(dataDir, "keystore.json"),
	}, nil
}

// Prompter reads a password without echo.
type Prompter struct {
	Getenv func(string) string
	In     *os.File
	Out    io.Writer
}

// GetPassword returns AGENCY_PASSWORD or prompts on the terminal.
func GetPassword() (string, error) {
	return Prompter{Getenv: os.Getenv, In: os.Stdin, Out: os.Stderr}.Password("Enter password to unlock key store: ")
}

// Password returns the environment password, else prompts with prompt.
func (p Prompter) Password(prompt string) (string, error) {
	if password := p.Getenv(PasswordEnv); password != "" {
		return password, nil
	}
	if p.In == nil || !term.IsTerminal(int(p.In.Fd())) {
		return "", ErrNoPassword
	}

	fmt.Fprint(p.Out, prompt)
	passwordBytes, err := term.ReadPassword(int(p.In.Fd()))
	fmt.Fprintln(p.Out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	password := string(passwordBytes)
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return password, nil
}
