// Package vault implements the Credential Vault (spec §4.1): envelope
// encryption of server SSH secrets at rest, keyed by a process-wide master
// key that never itself touches disk.
//
// Algorithm is fixed, with no fallback: AES-256-GCM for the cipher, a
// per-secret random 16-byte salt run through PBKDF2-SHA256 at 100000
// iterations to derive the 32-byte data key, and a per-secret random
// 12-byte GCM nonce. This replaces two patterns seen in earlier CWatcher
// iterations: plain AES-GCM with no KDF at all, and PBKDF2 with a fixed
// salt shared by every secret (which lets an attacker precompute one
// rainbow table for the whole fleet instead of one per secret).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/cwatcher/cwatcher/internal/cwerrors"
	"github.com/cwatcher/cwatcher/internal/model"
)

const (
	Algorithm     = "AES-256-GCM/PBKDF2-SHA256/100000"
	kdfIterations = 100000
	saltLen       = 16
	nonceLen      = 12
	keyLen        = 32
)

// Vault encrypts and decrypts Server secrets with a fixed master key.
type Vault struct {
	masterKey []byte
}

// New derives a stable 32-byte seed from the operator-supplied master key
// string via SHA-256, the way the teacher's certificates package derives
// its AES key from an arbitrary-length secret.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, cwerrors.ErrMasterKeyMissing
	}
	sum := sha256.Sum256([]byte(masterKey))
	return &Vault{masterKey: sum[:]}, nil
}

// Encrypt seals plaintext into an EncryptedSecret using a fresh random
// salt and nonce. The same plaintext encrypted twice never produces the
// same ciphertext.
func (v *Vault) Encrypt(plaintext []byte) (model.EncryptedSecret, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return model.EncryptedSecret{}, fmt.Errorf("vault: generate salt: %w", err)
	}

	dataKey := pbkdf2.Key(v.masterKey, salt, kdfIterations, keyLen, sha256.New)

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return model.EncryptedSecret{}, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return model.EncryptedSecret{}, fmt.Errorf("vault: new gcm: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return model.EncryptedSecret{}, fmt.Errorf("vault: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return model.EncryptedSecret{
		Algorithm:     Algorithm,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
		KDFIterations: kdfIterations,
	}, nil
}

// Decrypt reverses Encrypt. It refuses anything not tagged with the
// current Algorithm — there is no legacy-format fallback.
func (v *Vault) Decrypt(secret model.EncryptedSecret) ([]byte, error) {
	if secret.Algorithm != Algorithm {
		return nil, fmt.Errorf("vault: %w: %q", cwerrors.ErrUnknownAlgorithm, secret.Algorithm)
	}
	if len(secret.Salt) != saltLen || len(secret.Nonce) != nonceLen {
		return nil, cwerrors.ErrBadCiphertext
	}

	iterations := secret.KDFIterations
	if iterations <= 0 {
		iterations = kdfIterations
	}
	dataKey := pbkdf2.Key(v.masterKey, secret.Salt, iterations, keyLen, sha256.New)

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, secret.Nonce, secret.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", cwerrors.ErrBadCiphertext)
	}
	return plaintext, nil
}
