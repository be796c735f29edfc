package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_UsesXDGDataHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)

	p, err := Default()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "agency"), p.DataDir)
	assert.Equal(t, filepath.Join(dir, "agency", "keystore.json"), p.VaultPath)

	info, err := os.Stat(p.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestPassword_FromEnv(t *testing.T) {
	p := Prompter{Getenv: func(k string) string {
		if k == PasswordEnv {
			return "hunter2"
		}
		return ""
	}}
	got, err := p.Password("pw: ")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
}

func TestPassword_NoTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer f.Close()

	var out bytes.Buffer
	p := Prompter{Getenv: func(string) string { return "" }, In: f, Out: &out}
	_, err = p.Password("pw: ")
	assert.ErrorIs(t, err, ErrNoPassword)
	assert.Empty(t, out.String())
}
