// Package keymanager persists provider credentials in a password-protected
// file. Each secret is sealed individually with AES-GCM under a key derived
// from the master password with PBKDF2, so entry metadata stays readable
// while the store is locked.
package keymanager

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrLocked          = errors.New("key store is locked")
	ErrInvalidPassword = errors.New("invalid password")
	ErrNotFound        = errors.New("credential not found")
)

const (
	storeVersion      = "2"
	saltSize          = 32
	keySize           = 32
	defaultIterations = 100000
)

// entry is the on-disk form of one credential.
type entry struct {
	Provider  string    `json:"provider"`
	KeyID     string    `json:"key_id"`
	Sealed    string    `json:"sealed"` // base64(salt || nonce || ciphertext)
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type storeFile struct {
	Version    string            `json:"version"`
	Iterations int               `json:"iterations"`
	Salt       string            `json:"salt"`
	Verify     string            `json:"verify"`
	Entries    map[string]*entry `json:"entries"`
}

// Credential is a decrypted vault entry.
type Credential struct {
	Provider  string
	KeyID     string
	Secret    string
	CreatedAt time.Time
}

// Vault is the encrypted credential file.
type Vault struct {
	path       string
	iterations int

	mu       sync.RWMutex
	password []byte
	file     *storeFile
	unlocked bool
	lastSeen []byte // raw bytes last written or loaded, used to ignore our own writes
}

// Option configures a Vault.
type Option func(*Vault)

// WithIterations overrides the PBKDF2 iteration count for new stores.
func WithIterations(n int) Option {
	return func(v *Vault) {
		if n > 0 {
			v.iterations = n
		}
	}
}

// NewVault creates a vault backed by path. Nothing is read until Unlock.
func NewVault(path string, opts ...Option) *Vault {
	v := &Vault{
		path:       path,
		iterations: defaultIterations,
		file:       &storeFile{Entries: make(map[string]*entry)},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Path returns the backing file path.
func (v *Vault) Path() string { return v.path }

func entryID(provider, keyID string) string {
	return provider + "/" + keyID
}

// Unlock opens the store with password, creating it on first use.
func (v *Vault) Unlock(password string) error {
	if password == "" {
		return errors.New("password cannot be empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	file, raw, err := readStoreFile(v.path)
	switch {
	case os.IsNotExist(err):
		file = &storeFile{
			Version:    storeVersion,
			Iterations: v.iterations,
			Entries:    make(map[string]*entry),
		}
		if err := file.setPassword([]byte(password)); err != nil {
			return fmt.Errorf("failed to initialize password: %w", err)
		}
		v.file = file
		v.password = []byte(password)
		if err := v.save(); err != nil {
			return fmt.Errorf("failed to initialize key store: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to unlock key store: %w", err)
	default:
		if err := file.verify([]byte(password)); err != nil {
			return err
		}
		v.file = file
		v.password = []byte(password)
		v.lastSeen = raw
	}

	v.unlocked = true
	return nil
}

// IsUnlocked reports whether secrets can be read.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.unlocked
}

// Lock clears the password from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.password {
		v.password[i] = 0
	}
	v.password = nil
	v.unlocked = false
}

// Put stores or replaces a credential. Replacing keeps the original
// creation time so ordering by age is stable.
func (v *Vault) Put(provider, keyID, secret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return ErrLocked
	}

	sealed, err := seal(v.password, v.file.Iterations, []byte(secret))
	if err != nil {
		return fmt.Errorf("failed to encrypt key: %w", err)
	}

	now := time.Now().UTC()
	id := entryID(provider, keyID)
	if e, ok := v.file.Entries[id]; ok {
		e.Sealed = sealed
		e.UpdatedAt = now
	} else {
		v.file.Entries[id] = &entry{
			Provider:  provider,
			KeyID:     keyID,
			Sealed:    sealed,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if err := v.save(); err != nil {
		return fmt.Errorf("failed to save key store: %w", err)
	}
	return nil
}

// Secret decrypts one credential.
func (v *Vault) Secret(provider, keyID string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return "", ErrLocked
	}
	e, ok := v.file.Entries[entryID(provider, keyID)]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, provider, keyID)
	}
	plain, err := open(v.password, v.file.Iterations, e.Sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt key %s/%s: %w", provider, keyID, err)
	}
	return string(plain), nil
}

// Delete removes a credential. Deleting a missing entry is not an error.
func (v *Vault) Delete(provider, keyID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return ErrLocked
	}
	id := entryID(provider, keyID)
	if _, ok := v.file.Entries[id]; !ok {
		return nil
	}
	delete(v.file.Entries, id)
	if err := v.save(); err != nil {
		return fmt.Errorf("failed to save key store: %w", err)
	}
	return nil
}

// Credentials returns every decrypted credential ordered by creation time.
func (v *Vault) Credentials() ([]Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return nil, ErrLocked
	}

	out := make([]Credential, 0, len(v.file.Entries))
	for _, e := range v.file.Entries {
		plain, err := open(v.password, v.file.Iterations, e.Sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt key %s/%s: %w", e.Provider, e.KeyID, err)
		}
		out = append(out, Credential{
			Provider:  e.Provider,
			KeyID:     e.KeyID,
			Secret:    string(plain),
			CreatedAt: e.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return entryID(out[i].Provider, out[i].KeyID) < entryID(out[j].Provider, out[j].KeyID)
	})
	return out, nil
}

// ChangePassword re-seals every entry under a new password.
func (v *Vault) ChangePassword(oldPassword, newPassword string) error {
	if newPassword == "" {
		return errors.New("password cannot be empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return ErrLocked
	}
	if err := v.file.verify([]byte(oldPassword)); err != nil {
		return fmt.Errorf("old password is incorrect: %w", err)
	}

	plain := make(map[string][]byte, len(v.file.Entries))
	for id, e := range v.file.Entries {
		p, err := open(v.password, v.file.Iterations, e.Sealed)
		if err != nil {
			return fmt.Errorf("failed to decrypt key %s: %w", id, err)
		}
		plain[id] = p
	}

	if err := v.file.setPassword([]byte(newPassword)); err != nil {
		return fmt.Errorf("failed to initialize new password: %w", err)
	}
	now := time.Now().UTC()
	for id, p := range plain {
		sealed, err := seal([]byte(newPassword), v.file.Iterations, p)
		if err != nil {
			return fmt.Errorf("failed to re-encrypt key %s: %w", id, err)
		}
		v.file.Entries[id].Sealed = sealed
		v.file.Entries[id].UpdatedAt = now
	}
	v.password = []byte(newPassword)
	return v.save()
}

// Reload re-reads the store file. It reports false when the file content is
// the one this vault last wrote or read.
func (v *Vault) Reload() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return false, ErrLocked
	}
	file, raw, err := readStoreFile(v.path)
	if err != nil {
		return false, fmt.Errorf("failed to reload key store: %w", err)
	}
	if subtle.ConstantTimeCompare(raw, v.lastSeen) == 1 {
		return false, nil
	}
	if err := file.verify(v.password); err != nil {
		return false, fmt.Errorf("reloaded key store rejects current password: %w", err)
	}
	v.file = file
	v.lastSeen = raw
	return true, nil
}

func readStoreFile(path string) (*storeFile, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var file storeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, nil, fmt.Errorf("corrupt key store %s: %w", path, err)
	}
	if file.Entries == nil {
		file.Entries = make(map[string]*entry)
	}
	if file.Iterations == 0 {
		file.Iterations = defaultIterations
	}
	return &file, raw, nil
}

// save writes the store atomically. Caller holds v.mu.
func (v *Vault) save() error {
	raw, err := json.MarshalIndent(v.file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
		return err
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return err
	}
	v.lastSeen = raw
	return nil
}

func (f *storeFile) setPassword(password []byte) error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	f.Salt = base64.StdEncoding.EncodeToString(salt)
	f.Verify = base64.StdEncoding.EncodeToString(pbkdf2.Key(password, salt, f.Iterations, keySize, sha256.New))
	return nil
}

func (f *storeFile) verify(password []byte) error {
	if f.Salt == "" || f.Verify == "" {
		return errors.New("key store not initialized with password verification")
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return fmt.Errorf("failed to decode password salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(f.Verify)
	if err != nil {
		return fmt.Errorf("failed to decode password hash: %w", err)
	}
	got := pbkdf2.Key(password, salt, f.Iterations, keySize, sha256.New)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrInvalidPassword
	}
	return nil
}

func seal(password []byte, iterations int, plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	gcm, err := newGCM(password, salt, iterations)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(password []byte, iterations int, sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, err
	}
	if len(data) < saltSize {
		return nil, errors.New("invalid encrypted data")
	}
	gcm, err := newGCM(password, data[:saltSize], iterations)
	if err != nil {
		return nil, err
	}
	data = data[saltSize:]
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("invalid encrypted data")
	}
	return gcm.Open(nil, data[:gcm.NonceSize()], data[gcm.NonceSize():], nil)
}

func newGCM(password, salt []byte, iterations int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key(password, salt, iterations, keySize, sha256.New))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
