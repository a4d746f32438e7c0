package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// DescriptorSuffix names the sidecar object holding the key descriptor of
// an encrypted report.
const DescriptorSuffix = ".kgdesc"

const encryptChunkSize = 8 * 1024

// Encryptor performs envelope encryption of reports. Every report gets its
// own data key, derived from the root key and the report name; only the
// descriptor needed to reconstruct it is stored.
type Encryptor struct {
	kg kryptograf.Kryptograf
}

// NewEncryptor returns an encryptor for root.
func NewEncryptor(root keymgmt.RootKey) (*Encryptor, error) {
	if root == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("report crypto: root key required")
	}
	return &Encryptor{kg: kryptograf.New(root).WithChunkSize(encryptChunkSize)}, nil
}

// LoadRootKey reads the kryptograf root key from a PEM bundle.
func LoadRootKey(path string) (keymgmt.RootKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: read bundle: %w", err)
	}
	store, err := keymgmt.LoadPEM(raw)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: load bundle: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: read root key: %w", err)
	}
	if !ok {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: bundle %s has no root key", path)
	}
	return root, nil
}

var keyMu sync.Mutex

// EnsureRootKey loads the root key from the bundle at path, generating one
// and writing the bundle (mode 0600) when it is missing or has no key.
func EnsureRootKey(path string) (keymgmt.RootKey, error) {
	// fcntl locks are per process; keyMu covers goroutines of this one.
	keyMu.Lock()
	defer keyMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: create bundle dir: %w", err)
	}
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: open lock: %w", err)
	}
	defer lock.Close()
	if err := lockFile(lock); err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: lock bundle: %w", err)
	}
	defer unlockFile(lock)

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: read bundle: %w", err)
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: load bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: ensure root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: commit bundle: %w", err)
	}
	if len(out) == 0 {
		out = existing
	}
	if len(out) == 0 {
		if out, err = store.Bytes(); err != nil {
			return keymgmt.RootKey{}, fmt.Errorf("report crypto: serialize bundle: %w", err)
		}
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("report crypto: write bundle: %w", err)
	}
	return root, nil
}

func objectContext(name string) []byte {
	return []byte("paydist-report:" + name)
}

// Encrypt writes the ciphertext of src to dst and returns the marshalled
// descriptor of the data key.
func (e *Encryptor) Encrypt(name string, src io.Reader, dst io.Writer) ([]byte, error) {
	mat, err := e.kg.MintDEK(objectContext(name))
	if err != nil {
		return nil, fmt.Errorf("report crypto: mint key for %q: %w", name, err)
	}
	defer mat.Zero()
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("report crypto: marshal descriptor: %w", err)
	}
	w, err := e.kg.EncryptWriter(dst, mat)
	if err != nil {
		return nil, fmt.Errorf("report crypto: encrypt: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return nil, fmt.Errorf("report crypto: encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("report crypto: encrypt close: %w", err)
	}
	return desc, nil
}

// Decrypt restores the plaintext of a report encrypted under name.
func (e *Encryptor) Decrypt(name string, descriptor []byte, src io.Reader, dst io.Writer) error {
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(descriptor); err != nil {
		return fmt.Errorf("report crypto: decode descriptor: %w", err)
	}
	mat, err := e.kg.ReconstructDEK(objectContext(name), desc)
	if err != nil {
		return fmt.Errorf("report crypto: reconstruct key for %q: %w", name, err)
	}
	defer mat.Zero()
	r, err := e.kg.DecryptReader(src, mat)
	if err != nil {
		return fmt.Errorf("report crypto: decrypt: %w", err)
	}
	defer r.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("report crypto: decrypt read: %w", err)
	}
	return nil
}

// Encrypted wraps inner so reports are stored encrypted, each followed by
// its descriptor sidecar.
func Encrypted(inner Sink, enc *Encryptor) Sink {
	if enc == nil {
		return inner
	}
	return &encryptedSink{inner: inner, enc: enc}
}

type encryptedSink struct {
	inner Sink
	enc   *Encryptor
}

func (s *encryptedSink) Put(ctx context.Context, name string, body io.Reader, _ int64) (string, error) {
	var buf bytes.Buffer
	desc, err := s.enc.Encrypt(name, body, &buf)
	if err != nil {
		return "", err
	}
	location, err := s.inner.Put(ctx, name, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return "", err
	}
	if _, err := s.inner.Put(ctx, name+DescriptorSuffix, bytes.NewReader(desc), int64(len(desc))); err != nil {
		return "", fmt.Errorf("report crypto: store descriptor: %w", err)
	}
	return location, nil
}

// Get returns the decrypted report.
func (s *encryptedSink) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	getter, ok := s.inner.(Getter)
	if !ok {
		return nil, fmt.Errorf("report: sink %T cannot read objects", s.inner)
	}
	desc, err := readAll(ctx, getter, name+DescriptorSuffix)
	if err != nil {
		return nil, err
	}
	body, err := getter.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	var out bytes.Buffer
	if err := s.enc.Decrypt(name, desc, body, &out); err != nil {
		return nil, err
	}
	return io.NopCloser(&out), nil
}

func readAll(ctx context.Context, getter Getter, name string) ([]byte, error) {
	rc, err := getter.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
