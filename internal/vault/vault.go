// Package vault resolves named credentials against a principal's secret
// store for the Injection Pipeline (spec §4.4 step 3: "resolve required
// names from the agent's runtime config against the principal's vault").
// Grounded on the teacher's own secrets package: a master key generated
// once and persisted 0600 on disk, AES-256-GCM sealing every value,
// stdlib crypto rather than a third-party crypto library (the teacher
// itself reaches for crypto/aes, not an external package, for this).
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
)

const (
	masterKeyFile = "master.key"
	masterKeySize = 32 // AES-256
)

type sealedValue struct {
	Ciphertext string `json:"ciphertext"` // base64
	Nonce      string `json:"nonce"`      // base64
}

// Vault stores every principal's credentials in one encrypted JSON file
// per principal under Root, keyed by credential name.
type Vault struct {
	root string
	key  []byte

	mu sync.Mutex
}

// Open loads the master key from Root, generating one on first use.
func Open(root string) (*Vault, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create vault root: %w", err)
	}
	key, err := loadOrGenerateKey(filepath.Join(root, masterKeyFile))
	if err != nil {
		return nil, err
	}
	return &Vault{root: root, key: key}, nil
}

func loadOrGenerateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == masterKeySize {
		return data, nil
	}

	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

func (v *Vault) principalFile(principal string) string {
	return filepath.Join(v.root, principal+".json")
}

func (v *Vault) load(principal string) (map[string]sealedValue, error) {
	raw, err := os.ReadFile(v.principalFile(principal))
	if os.IsNotExist(err) {
		return map[string]sealedValue{}, nil
	}
	if err != nil {
		return nil, apierr.Wrapf(apierr.Internal, err, "read vault file for %s", principal)
	}
	var sealed map[string]sealedValue
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, apierr.Wrapf(apierr.Internal, err, "parse vault file for %s", principal)
	}
	return sealed, nil
}

func (v *Vault) save(principal string, sealed map[string]sealedValue) error {
	raw, err := json.Marshal(sealed)
	if err != nil {
		return apierr.Wrapf(apierr.Internal, err, "marshal vault file for %s", principal)
	}
	return os.WriteFile(v.principalFile(principal), raw, 0o600)
}

// Resolve returns the plaintext value of every requested credential name
// that exists for principal. Names with no stored value are simply
// omitted, matching the Injection Pipeline's best-effort materialization.
func (v *Vault) Resolve(ctx context.Context, principal string, names []string) (map[string]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	sealed, err := v.load(principal)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(names))
	for _, name := range names {
		sv, ok := sealed[name]
		if !ok {
			continue
		}
		plain, err := v.open(sv)
		if err != nil {
			return nil, apierr.Wrapf(apierr.Internal, err, "decrypt credential %q for %s", name, principal)
		}
		out[name] = plain
	}
	return out, nil
}

// Set stores or overwrites a credential for principal.
func (v *Vault) Set(ctx context.Context, principal, name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	sealed, err := v.load(principal)
	if err != nil {
		return err
	}
	sv, err := v.seal(value)
	if err != nil {
		return apierr.Wrapf(apierr.Internal, err, "encrypt credential %q for %s", name, principal)
	}
	sealed[name] = sv
	return v.save(principal, sealed)
}

func (v *Vault) seal(plaintext string) (sealedValue, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return sealedValue{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return sealedValue{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return sealedValue{}, err
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return sealedValue{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

func (v *Vault) open(sv sealedValue) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sv.Ciphertext)
	if err != nil {
		return "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(sv.Nonce)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
