package channel

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	sala "github.com/nitad/sala"
)

// argon2id parameters for the session-file key.
const (
	vaultSaltLen = 16
	vaultTime    = 1
	vaultMemory  = 64 * 1024 // KiB
	vaultThreads = 4
)

// Vault stores channel session state (auth tokens, poll offsets, device
// credentials) encrypted at rest. Files are salt || nonce || ciphertext;
// the key derives from the passphrase per file via argon2id.
type Vault struct {
	dir        string
	passphrase []byte
}

// NewVault creates the session directory if needed. An empty passphrase is
// refused: sessions are never written in the clear.
func NewVault(dir, passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("session vault: empty passphrase")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session vault: %w", err)
	}
	return &Vault{dir: dir, passphrase: []byte(passphrase)}, nil
}

// Save encrypts and writes one named session state.
func (v *Vault) Save(name string, state any) error {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", name, err)
	}

	salt := make([]byte, vaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("session salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(v.key(salt))
	if err != nil {
		return fmt.Errorf("session cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("session nonce: %w", err)
	}

	blob := append(salt, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, nil)

	path := v.path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write session %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write session %s: %w", name, err)
	}
	return nil
}

// Load decrypts one named session state into out. A missing file returns
// os.ErrNotExist; a tampered or wrong-passphrase file returns
// ErrIntegrity.
func (v *Vault) Load(name string, out any) error {
	blob, err := os.ReadFile(v.path(name))
	if err != nil {
		return err
	}
	if len(blob) < vaultSaltLen+chacha20poly1305.NonceSizeX {
		return fmt.Errorf("%w: session %s truncated", sala.ErrIntegrity, name)
	}
	salt := blob[:vaultSaltLen]
	nonce := blob[vaultSaltLen : vaultSaltLen+chacha20poly1305.NonceSizeX]
	ciphertext := blob[vaultSaltLen+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(v.key(salt))
	if err != nil {
		return fmt.Errorf("session cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("%w: session %s", sala.ErrIntegrity, name)
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("decode session %s: %w", name, err)
	}
	return nil
}

// Delete removes a session (logout).
func (v *Vault) Delete(name string) error {
	err := os.Remove(v.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", name, err)
	}
	return nil
}

func (v *Vault) key(salt []byte) []byte {
	return argon2.IDKey(v.passphrase, salt, vaultTime, vaultMemory, vaultThreads, chacha20poly1305.KeySize)
}

func (v *Vault) path(name string) string {
	return filepath.Join(v.dir, filepath.Base(name)+".session")
}
