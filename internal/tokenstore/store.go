// Package tokenstore persists user OAuth tokens across process restarts.
//
// The store is a single PEM file holding kryptograf key material plus one
// encrypted block with the flat key-to-record JSON mapping. Every mutation
// rewrites the whole file atomically (tmp+rename), so a crash leaves either
// the old or the new file, never a torn one.
package tokenstore

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/docmcp/internal/svcfields"
	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const (
	tokenBlockType    = "DOCMCP-TOKEN-STORE"
	descriptorName    = "docmcp/tokenstore"
	descriptorContext = "docmcp/tokenstore"
)

// Record is one persisted user-token entry, keyed by the credential-derived
// cache key.
type Record struct {
	AccessToken      string          `json:"access_token"`
	AccessExpiresAt  time.Time       `json:"access_expires_at"`
	RefreshToken     string          `json:"refresh_token"`
	RefreshExpiresAt time.Time       `json:"refresh_expires_at"`
	Raw              json.RawMessage `json:"raw,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type storePayload struct {
	Version int               `json:"version"`
	Tokens  map[string]Record `json:"tokens"`
}

// Store serializes reads and writes of the encrypted token file.
type Store struct {
	path   string
	logger pslog.Logger
	mu     sync.Mutex
}

// Open prepares a store at path. The file is created lazily on first write.
func Open(path string, logger pslog.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("token store path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve token store path %q: %w", path, err)
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{
		path:   abs,
		logger: svcfields.WithSubsystem(logger, "tokenstore"),
	}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// ReadAll loads and decrypts every persisted record. A missing file is an
// empty mapping, not an error.
func (s *Store) ReadAll() (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAllLocked()
}

func (s *Store) readAllLocked() (map[string]Record, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("read token store: %w", err)
	}
	ciphertext, err := findTokenBlock(raw)
	if err != nil {
		return nil, err
	}
	material, err := extractMaterial(raw)
	if err != nil {
		return nil, err
	}
	plaintext, err := decryptPayload(ciphertext, material)
	if err != nil {
		return nil, err
	}
	var payload storePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("decode token store: %w", err)
	}
	if payload.Tokens == nil {
		payload.Tokens = map[string]Record{}
	}
	return payload.Tokens, nil
}

// WriteAll encrypts and atomically rewrites the whole mapping. Key material
// is created on the first write and reused afterwards.
func (s *Store) WriteAll(tokens map[string]Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(storePayload{Version: 1, Tokens: tokens})
	if err != nil {
		return fmt.Errorf("encode token store: %w", err)
	}
	existing, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read existing token store: %w", err)
	}
	material, basePEM, err := ensureMaterial(existing)
	if err != nil {
		return err
	}
	ciphertext, err := encryptPayload(payload, material)
	if err != nil {
		return err
	}
	updated, err := upsertTokenBlock(basePEM, ciphertext)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.path, updated, 0o600); err != nil {
		return err
	}
	s.logger.Debug("tokenstore.saved", "path", s.path, "entries", len(tokens))
	return nil
}

// Watch invokes onChange whenever another process rewrites the store file,
// until ctx is done. Events are debounced so a tmp+rename pair triggers a
// single reload.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token store watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("create token store dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch token store dir: %w", err)
	}
	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != s.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, onChange)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("tokenstore.watch_error", "error", err)
			}
		}
	}()
	return nil
}

type cryptoMaterial struct {
	Root     keymgmt.RootKey
	Material kryptograf.Material
}

func extractMaterial(pemBytes []byte) (cryptoMaterial, error) {
	store, err := keymgmt.LoadPEM(pemBytes)
	if err != nil {
		return cryptoMaterial{}, fmt.Errorf("load key material: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return cryptoMaterial{}, fmt.Errorf("read root key: %w", err)
	}
	if !ok {
		return cryptoMaterial{}, fmt.Errorf("token store root key missing")
	}
	desc, ok, err := store.Descriptor(descriptorName)
	if err != nil {
		return cryptoMaterial{}, fmt.Errorf("read descriptor: %w", err)
	}
	if !ok {
		return cryptoMaterial{}, fmt.Errorf("token store descriptor missing")
	}
	kg := kryptograf.New(root)
	mat, err := kg.ReconstructDEK([]byte(descriptorContext), desc)
	if err != nil {
		return cryptoMaterial{}, fmt.Errorf("reconstruct token store DEK: %w", err)
	}
	return cryptoMaterial{Root: root, Material: mat}, nil
}

func ensureMaterial(existing []byte) (cryptoMaterial, []byte, error) {
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return cryptoMaterial{}, nil, fmt.Errorf("load token store key bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return cryptoMaterial{}, nil, fmt.Errorf("ensure root key: %w", err)
	}
	mat, err := store.EnsureDescriptor(descriptorName, root, []byte(descriptorContext))
	if err != nil {
		return cryptoMaterial{}, nil, fmt.Errorf("ensure descriptor: %w", err)
	}
	if err := store.Commit(); err != nil {
		return cryptoMaterial{}, nil, fmt.Errorf("commit key material: %w", err)
	}
	if len(out) == 0 {
		out = existing
	}
	if len(out) == 0 {
		raw, err := store.Bytes()
		if err != nil {
			return cryptoMaterial{}, nil, fmt.Errorf("serialize key material: %w", err)
		}
		out = raw
	}
	return cryptoMaterial{Root: root, Material: mat}, out, nil
}

func encryptPayload(plaintext []byte, material cryptoMaterial) ([]byte, error) {
	defer material.Material.Zero()
	kg := kryptograf.New(material.Root)
	var buf bytes.Buffer
	writer, err := kg.EncryptWriter(&buf, material.Material)
	if err != nil {
		return nil, fmt.Errorf("encrypt token store payload: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("encrypt token store payload write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("encrypt token store payload close: %w", err)
	}
	return buf.Bytes(), nil
}

func decryptPayload(ciphertext []byte, material cryptoMaterial) ([]byte, error) {
	defer material.Material.Zero()
	kg := kryptograf.New(material.Root)
	reader, err := kg.DecryptReader(bytes.NewReader(ciphertext), material.Material)
	if err != nil {
		return nil, fmt.Errorf("decrypt token store payload: %w", err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decrypt token store payload read: %w", err)
	}
	return plaintext, nil
}

func findTokenBlock(data []byte) ([]byte, error) {
	rest := data
	for len(rest) > 0 {
		block, next := pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("token store: invalid PEM")
		}
		if block.Type == tokenBlockType {
			return append([]byte(nil), block.Bytes...), nil
		}
		rest = next
	}
	return nil, fmt.Errorf("token store: missing %s block", tokenBlockType)
}

func upsertTokenBlock(basePEM []byte, ciphertext []byte) ([]byte, error) {
	blocks, err := decodePEMBlocks(basePEM)
	if err != nil {
		return nil, err
	}
	filtered := make([]*pem.Block, 0, len(blocks)+1)
	for _, block := range blocks {
		if block.Type == tokenBlockType {
			continue
		}
		filtered = append(filtered, block)
	}
	filtered = append(filtered, &pem.Block{Type: tokenBlockType, Bytes: ciphertext})
	return encodePEMBlocks(filtered)
}

func decodePEMBlocks(data []byte) ([]*pem.Block, error) {
	if len(data) == 0 {
		return nil, nil
	}
	rest := data
	blocks := make([]*pem.Block, 0, 8)
	for len(rest) > 0 {
		block, next := pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("parse PEM blocks: invalid PEM data")
		}
		blocks = append(blocks, block)
		rest = next
	}
	return blocks, nil
}

func encodePEMBlocks(blocks []*pem.Block) ([]byte, error) {
	var buf bytes.Buffer
	for _, block := range blocks {
		if err := pem.Encode(&buf, block); err != nil {
			return nil, fmt.Errorf("encode PEM block %s: %w", block.Type, err)
		}
	}
	return buf.Bytes(), nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token store dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write token store file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace token store file: %w", err)
	}
	return nil
}
