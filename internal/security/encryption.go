package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"sessionvault/internal/domain"
)

// Envelope parameters.
const (
	Algorithm            = "AES-256-GCM"
	DefaultKDFIterations = 100_000
	MinKDFIterations     = 100_000
	MaxKDFIterations     = 10_000_000

	saltSize  = 32
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

// Envelope is the persisted form of one encrypted document. Binary fields are
// standard base64. The GCM tag is stored apart from the ciphertext.
type Envelope struct {
	EncryptedData string `json:"encrypted_data"`
	Salt          string `json:"salt"`
	Nonce         string `json:"nonce"`
	Tag           string `json:"tag"`
	Algorithm     string `json:"algorithm"`
	KDFIterations int    `json:"kdf_iterations"`
}

// Sealer encrypts documents under keys derived with PBKDF2-HMAC-SHA256.
type Sealer struct {
	iterations int
}

// NewSealer returns a Sealer using the given PBKDF2 iteration count.
func NewSealer(iterations int) (*Sealer, error) {
	if iterations < MinKDFIterations || iterations > MaxKDFIterations {
		return nil, domain.NewDomainError("NewSealer", domain.ErrInvalidInput,
			fmt.Sprintf("kdf iterations %d outside [%d, %d]", iterations, MinKDFIterations, MaxKDFIterations))
	}
	return &Sealer{iterations: iterations}, nil
}

// Iterations returns the PBKDF2 iteration count used for new envelopes.
func (s *Sealer) Iterations() int { return s.iterations }

// Seal encrypts plaintext under a key derived from keyMaterial and a fresh
// salt. aad is authenticated but not stored.
func (s *Sealer) Seal(plaintext, keyMaterial, aad []byte) (*Envelope, error) {
	const op = "Sealer.Seal"

	if len(keyMaterial) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "empty key material")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrEncryption, fmt.Sprintf("generate salt: %v", err))
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrEncryption, fmt.Sprintf("generate nonce: %v", err))
	}

	key := deriveDocumentKey(keyMaterial, salt, s.iterations)
	defer clear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrEncryption, err.Error())
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &Envelope{
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		Salt:          base64.StdEncoding.EncodeToString(salt),
		Nonce:         base64.StdEncoding.EncodeToString(nonce),
		Tag:           base64.StdEncoding.EncodeToString(tag),
		Algorithm:     Algorithm,
		KDFIterations: s.iterations,
	}, nil
}

// Open authenticates and decrypts env. Any mismatch, including a malformed
// field, wrong key or altered aad, fails with domain.ErrAuthentication.
func Open(env *Envelope, keyMaterial, aad []byte) ([]byte, error) {
	const op = "Open"

	fail := func(detail string) error {
		return domain.NewDomainError(op, domain.ErrAuthentication, detail)
	}

	if env.Algorithm != Algorithm {
		return nil, fail(fmt.Sprintf("unsupported algorithm %q", env.Algorithm))
	}
	if env.KDFIterations < MinKDFIterations || env.KDFIterations > MaxKDFIterations {
		return nil, fail(fmt.Sprintf("kdf iterations %d outside accepted range", env.KDFIterations))
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.EncryptedData)
	if err != nil {
		return nil, fail("malformed encrypted_data")
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil || len(salt) == 0 {
		return nil, fail("malformed salt")
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, fail("malformed nonce")
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, fail("malformed tag")
	}

	key := deriveDocumentKey(keyMaterial, salt, env.KDFIterations)
	defer clear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, fail(err.Error())
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(append(sealed, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fail("message authentication failed")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveDocumentKey stretches session key material into a per-document
// AES-256 key.
func deriveDocumentKey(material, salt []byte, iterations int) []byte {
	return pbkdf2.Key(material, salt, iterations, keySize, sha256.New)
}
