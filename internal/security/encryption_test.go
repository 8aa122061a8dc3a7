package security

import (
	"bytes"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"sessionvault/internal/domain"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(MinKDFIterations)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := newTestSealer(t)
	key := []byte("session-key-material-0123456789ab")
	plaintext := []byte(`{"data":{"name":"alice"}}`)

	env, err := s.Seal(plaintext, key, []byte("profile"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if env.Algorithm != Algorithm {
		t.Errorf("Algorithm = %q, want %q", env.Algorithm, Algorithm)
	}
	if env.KDFIterations != MinKDFIterations {
		t.Errorf("KDFIterations = %d", env.KDFIterations)
	}

	got, err := Open(env, key, []byte("profile"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open = %q, want %q", got, plaintext)
	}
}

func TestSealEnvelopeFieldSizes(t *testing.T) {
	s := newTestSealer(t)
	env, err := s.Seal([]byte("hello"), []byte("k"), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	sizes := map[string]struct {
		field string
		want  int
	}{
		"salt":  {env.Salt, saltSize},
		"nonce": {env.Nonce, nonceSize},
		"tag":   {env.Tag, tagSize},
		"data":  {env.EncryptedData, len("hello")},
	}
	for name, tt := range sizes {
		raw, err := base64.StdEncoding.DecodeString(tt.field)
		if err != nil {
			t.Errorf("%s: not standard base64: %v", name, err)
			continue
		}
		if len(raw) != tt.want {
			t.Errorf("%s: %d bytes, want %d", name, len(raw), tt.want)
		}
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	s := newTestSealer(t)
	key := []byte("key")

	e1, _ := s.Seal([]byte("same input"), key, nil)
	e2, _ := s.Seal([]byte("same input"), key, nil)

	if e1.Salt == e2.Salt {
		t.Error("two envelopes share a salt")
	}
	if e1.Nonce == e2.Nonce {
		t.Error("two envelopes share a nonce")
	}
	if e1.EncryptedData == e2.EncryptedData {
		t.Error("two encryptions of same plaintext should produce different ciphertext")
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	s := newTestSealer(t)
	env, _ := s.Seal([]byte("secret"), []byte("right key"), nil)

	_, err := Open(env, []byte("wrong key"), nil)
	if !errors.Is(err, domain.ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
}

func TestOpenWrongAADFails(t *testing.T) {
	s := newTestSealer(t)
	env, _ := s.Seal([]byte("secret"), []byte("key"), []byte("profile"))

	_, err := Open(env, []byte("key"), []byte("renamed"))
	if !errors.Is(err, domain.ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
}

// flipFirstByte decodes a base64 field, flips one bit and re-encodes it.
func flipFirstByte(t *testing.T, field string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(field)
	if err != nil || len(raw) == 0 {
		t.Fatalf("decode field: %v", err)
	}
	raw[0] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}

func TestOpenDetectsTampering(t *testing.T) {
	s := newTestSealer(t)
	key := []byte("key")

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"ciphertext", func(e *Envelope) { e.EncryptedData = flipFirstByte(t, e.EncryptedData) }},
		{"salt", func(e *Envelope) { e.Salt = flipFirstByte(t, e.Salt) }},
		{"nonce", func(e *Envelope) { e.Nonce = flipFirstByte(t, e.Nonce) }},
		{"tag", func(e *Envelope) { e.Tag = flipFirstByte(t, e.Tag) }},
		{"iterations", func(e *Envelope) { e.KDFIterations++ }},
		{"algorithm", func(e *Envelope) { e.Algorithm = "AES-128-CBC" }},
		{"iterations below floor", func(e *Envelope) { e.KDFIterations = 1000 }},
		{"iterations above ceiling", func(e *Envelope) { e.KDFIterations = MaxKDFIterations + 1 }},
		{"bad base64", func(e *Envelope) { e.EncryptedData = "%%%" }},
		{"short nonce", func(e *Envelope) { e.Nonce = base64.StdEncoding.EncodeToString([]byte("short")) }},
		{"short tag", func(e *Envelope) { e.Tag = base64.StdEncoding.EncodeToString([]byte("short")) }},
		{"empty salt", func(e *Envelope) { e.Salt = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := s.Seal([]byte("secret payload"), key, nil)
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			tt.mutate(env)
			_, err = Open(env, key, nil)
			if !errors.Is(err, domain.ErrAuthentication) {
				t.Errorf("expected ErrAuthentication, got %v", err)
			}
		})
	}
}

func TestSealEmptyKeyRejected(t *testing.T) {
	s := newTestSealer(t)
	_, err := s.Seal([]byte("x"), nil, nil)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSealEmptyPlaintext(t *testing.T) {
	s := newTestSealer(t)
	env, err := s.Seal(nil, []byte("key"), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Open(env, []byte("key"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Open = %q, want empty", got)
	}
}

func TestNewSealerIterationBounds(t *testing.T) {
	for _, n := range []int{0, MinKDFIterations - 1, MaxKDFIterations + 1} {
		if _, err := NewSealer(n); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("NewSealer(%d): expected ErrInvalidInput, got %v", n, err)
		}
	}
	s, err := NewSealer(DefaultKDFIterations)
	if err != nil {
		t.Fatalf("NewSealer(default): %v", err)
	}
	if s.Iterations() != DefaultKDFIterations {
		t.Errorf("Iterations = %d", s.Iterations())
	}
}

func TestSealConcurrent(t *testing.T) {
	s := newTestSealer(t)
	key := []byte("shared key")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := s.Seal([]byte("concurrent"), key, nil)
			if err != nil {
				errs <- err
				return
			}
			if _, err := Open(env, key, nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent seal/open: %v", err)
	}
}

func TestDeriveDocumentKeyDependsOnSalt(t *testing.T) {
	k1 := deriveDocumentKey([]byte("m"), []byte("salt-one"), MinKDFIterations)
	k2 := deriveDocumentKey([]byte("m"), []byte("salt-two"), MinKDFIterations)
	if len(k1) != keySize {
		t.Errorf("key length = %d, want %d", len(k1), keySize)
	}
	if bytes.Equal(k1, k2) {
		t.Error("different salts produced the same key")
	}
}
