package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/crypto/hkdf"
)

const (
	// PersistentKeyFileName is the name of the at-rest encryption key file kept
	// next to the data files.
	PersistentKeyFileName = ".store-key"

	privateDirPerm         = 0o700
	privateFilePerm        = 0o600
	maxPersistentKeySize   = 4096
	maxRecordFileSize      = 1 << 20 // 1 MiB
	plainRecordExtension   = ".json"
	encryptedRecordExt     = ".enc"
	keyDerivationInfoLabel = "tiergate-store-v1"
)

var (
	errUnsafePersistencePath = errors.New("unsafe persistence path")
	errInvalidPersistentKey  = errors.New("invalid persistent store key")

	keyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
)

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafePersistencePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafePersistencePath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", errUnsafePersistencePath, path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeded size limit while reading", errUnsafePersistencePath, path)
	}
	return data, nil
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	if err := ensureOwnerOnlyDir(filepath.Dir(path)); err != nil {
		return err
	}

	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(privateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return os.Chmod(path, privateFilePerm)
}

// FileStore persists each key as its own owner-only file under dir. Writes go
// through a temp file and rename, so a crash leaves either the old or the new
// value. With encryption enabled values are sealed with AES-GCM using a key
// kept in dir/.store-key.
type FileStore struct {
	mu      sync.RWMutex
	dir     string
	encrypt bool
	aead    cipher.AEAD
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string, encrypt bool) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("storage directory cannot be empty")
	}
	dir = filepath.Clean(dir)
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("secure storage directory: %w", err)
	}

	s := &FileStore{dir: dir, encrypt: encrypt}
	if encrypt {
		keyMaterial, err := ensurePersistentKey(dir)
		if err != nil {
			return nil, err
		}
		aead, err := newAEAD(keyMaterial)
		if err != nil {
			return nil, err
		}
		s.aead = aead
	}
	return s, nil
}

// ensurePersistentKey loads the at-rest key, creating it on first use.
func ensurePersistentKey(dir string) ([]byte, error) {
	keyPath := filepath.Join(dir, PersistentKeyFileName)

	data, err := readBoundedRegularFile(keyPath, maxPersistentKeySize)
	if err == nil {
		key, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil || len(key) < 32 {
			return nil, fmt.Errorf("%w: %s", errInvalidPersistentKey, keyPath)
		}
		if err := os.Chmod(keyPath, privateFilePerm); err != nil {
			return nil, fmt.Errorf("secure persistent key file: %w", err)
		}
		return key, nil
	}
	if !isMissingPathError(err) {
		return nil, fmt.Errorf("load persistent key: %w", err)
	}

	// Generate a new random key (32 bytes = 64 hex chars)
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := writeOwnerOnlyFileAtomic(keyPath, []byte(hex.EncodeToString(key))); err != nil {
		return nil, fmt.Errorf("write encryption key: %w", err)
	}
	return key, nil
}

func newAEAD(keyMaterial []byte) (cipher.AEAD, error) {
	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, keyMaterial, nil, []byte(keyDerivationInfoLabel))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("derive store key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// Get reads the value stored under key.
func (s *FileStore) Get(key string) ([]byte, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := readBoundedRegularFile(path, maxRecordFileSize)
	if err != nil {
		if isMissingPathError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if !s.encrypt {
		return data, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	plaintext, err := s.open(key, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", key, err)
	}
	return plaintext, nil
}

// Set atomically replaces the value stored under key.
func (s *FileStore) Set(key string, value []byte) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}

	payload := value
	if s.encrypt {
		sealed, err := s.seal(key, value)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", key, err)
		}
		payload = []byte(base64.StdEncoding.EncodeToString(sealed))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeOwnerOnlyFileAtomic(path, payload); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *FileStore) Delete(key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) pathFor(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("storage: key %q contains unsupported characters", key)
	}
	ext := plainRecordExtension
	if s.encrypt {
		ext = encryptedRecordExt
	}
	return filepath.Join(s.dir, recordFileName(key)+ext), nil
}

// recordFileName escapes ':' for portable file names. '%' is outside
// keyPattern, so distinct keys always map to distinct names.
func recordFileName(key string) string {
	return strings.ReplaceAll(key, ":", "%3A")
}

// seal encrypts plaintext, binding it to key so records cannot be swapped.
func (s *FileStore) seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

func (s *FileStore) open(key string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(sealed), s.aead.NonceSize())
	}
	nonce := sealed[:s.aead.NonceSize()]
	plaintext, err := s.aead.Open(nil, nonce, sealed[s.aead.NonceSize():], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}
