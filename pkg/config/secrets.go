package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
	"gopkg.in/yaml.v3"
)

// Secrets file layout: [salt][nonce][ciphertext+tag], scrypt-derived AES-256
// key, GCM sealed YAML map.
const (
	SecretsFileName = "secrets.yaml.enc"

	// EnvPassphrase lets deployments decrypt the secrets file without an
	// interactive prompt.
	EnvPassphrase = "RELAY_PASSPHRASE"

	saltSize  = 16
	nonceSize = 12
	scryptN   = 32768 // 2^15
	scryptR   = 8
	scryptP   = 1
	keySize   = 32 // AES-256
)

// Secrets resolves named credentials. Values come from the decrypted secrets
// file first and fall back to environment variables, so a deployment can run
// entirely from the environment with no secrets file at all.
type Secrets struct {
	values map[string]string
}

// EnvSecrets returns a Secrets that resolves from the environment only.
func EnvSecrets() *Secrets {
	return &Secrets{}
}

// Get returns the secret value for name, or an error naming both places it
// looked. An empty value counts as absent.
func (s *Secrets) Get(name string) (string, error) {
	if s != nil && s.values != nil {
		if v := s.values[name]; v != "" {
			return v, nil
		}
	}
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// Names returns the names loaded from the secrets file, not their values.
func (s *Secrets) Names() []string {
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	return names
}

// SecretsFileExists reports whether dir holds an encrypted secrets file.
func SecretsFileExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, SecretsFileName))
	return err == nil
}

// LoadSecrets decrypts dir's secrets file with the passphrase.
func LoadSecrets(dir, passphrase string) (*Secrets, error) {
	path := filepath.Join(dir, SecretsFileName)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat secrets file: %w", err)
	}
	// The file holds credentials; quietly repair loose permissions.
	if info.Mode().Perm() != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("fix secrets file permissions: %w", err)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	const gcmTagSize = 16
	if len(fileData) < saltSize+nonceSize+gcmTagSize {
		return nil, fmt.Errorf("secrets file is truncated or not a secrets file")
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets (wrong passphrase or corrupted file)")
	}

	var values map[string]string
	if err := yaml.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("parse decrypted secrets: %w", err)
	}
	return &Secrets{values: values}, nil
}

// SaveSecrets encrypts values into dir's secrets file with the passphrase.
// The file is written with 0600 permissions.
func SaveSecrets(dir, passphrase string, values map[string]string) error {
	plaintext, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	fileData := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}
	path := filepath.Join(dir, SecretsFileName)
	if err := os.WriteFile(path, fileData, 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	return nil
}

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	pass := []byte(passphrase)
	defer zero(pass)
	key, err := scrypt.Key(pass, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
