package key

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/scrypt"
)

const (
	containerVersion = 1

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	sealKeyBytes = 32
	saltBytes    = 16
)

// envelope is the on-disk keystore: the entry table sealed with AES-256-GCM
// under a key derived from the store password.
type envelope struct {
	Version    int       `json:"version"`
	KDF        kdfParams `json:"kdf"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

type kdfParams struct {
	Salt []byte `json:"salt"`
	N    int    `json:"n"`
	R    int    `json:"r"`
	P    int    `json:"p"`
}

type container struct {
	Entries map[string]storedEntry `json:"entries"`
}

// storedEntry is one alias. PFX is a PKCS#12 blob protected by the key
// password holding the private key and its certificate.
type storedEntry struct {
	KeyID     string    `json:"key-id"`
	Algorithm string    `json:"algorithm"`
	PFX       []byte    `json:"pfx"`
	CreatedAt time.Time `json:"created-at"`
}

func newContainer() *container {
	return &container{Entries: make(map[string]storedEntry)}
}

// readContainer returns an empty container when path does not exist.
func readContainer(path, password string) (*container, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newContainer(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode keystore: %w", err)
	}
	if env.Version != containerVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", env.Version)
	}

	aead, err := sealer(password, env.KDF)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, errors.New("malformed keystore nonce")
	}
	plain, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, errors.New("keystore password incorrect or keystore corrupted")
	}

	c := newContainer()
	if err := json.Unmarshal(plain, c); err != nil {
		return nil, fmt.Errorf("failed to decode keystore entries: %w", err)
	}
	if c.Entries == nil {
		c.Entries = make(map[string]storedEntry)
	}
	return c, nil
}

func writeContainer(path, password string, c *container) error {
	plain, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode keystore entries: %w", err)
	}

	kdf := kdfParams{N: scryptN, R: scryptR, P: scryptP, Salt: make([]byte, saltBytes)}
	if _, err := io.ReadFull(rand.Reader, kdf.Salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := sealer(password, kdf)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	raw, err := json.MarshalIndent(envelope{
		Version:    containerVersion,
		KDF:        kdf,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plain, nil),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode keystore: %w", err)
	}
	return writeFileAtomic(path, raw, 0o600)
}

func sealer(password string, kdf kdfParams) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), kdf.Salt, kdf.N, kdf.R, kdf.P, sealKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keystore key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}
