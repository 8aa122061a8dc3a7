package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sessionvault/internal/domain"
	"sessionvault/internal/infra/tracer"
)

// DocumentSuffix is appended to document names on disk.
const DocumentSuffix = ".encrypted.json"

const payloadVersion = "1.0"

// maxDocumentName keeps the on-disk file name within MaxNameLength.
const maxDocumentName = MaxNameLength - len(DocumentSuffix)

// documentPayload is the plaintext sealed inside an envelope.
type documentPayload struct {
	Data     json.RawMessage `json:"data"`
	Metadata map[string]any  `json:"metadata"`
	Version  string          `json:"version"`
}

// DocumentInfo describes a stored document without decrypting it.
type DocumentInfo struct {
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	Modified      time.Time `json:"modified"`
	Algorithm     string    `json:"algorithm"`
	KDFIterations int       `json:"kdf_iterations"`
}

// DocumentStore keeps encrypted JSON documents in one directory, addressed
// by name. Each document has its own salt, nonce and derived key. The
// document name is bound as additional authenticated data, so an envelope
// copied to a different name no longer opens.
type DocumentStore struct {
	files  *FileOps
	scope  string
	sealer *Sealer
	logger *slog.Logger
}

// NewDocumentStore returns a store over root/scope of files' sandbox.
func NewDocumentStore(files *FileOps, scope string, sealer *Sealer, logger *slog.Logger) *DocumentStore {
	return &DocumentStore{files: files, scope: scope, sealer: sealer, logger: logger}
}

func (d *DocumentStore) pathFor(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if len(name) > maxDocumentName {
		return "", domain.NewDomainError("DocumentStore", domain.ErrInvalidFilename,
			fmt.Sprintf("name is %d bytes, limit %d", len(name), maxDocumentName))
	}
	return filepath.Join(d.scope, name+DocumentSuffix), nil
}

// Store encrypts data under key and atomically replaces the document called
// name. data is marshalled with encoding/json; a json.RawMessage is stored
// as given. It returns the path written.
func (d *DocumentStore) Store(ctx context.Context, name string, data any, key []byte, metadata map[string]any) (string, error) {
	const op = "DocumentStore.Store"

	_, span := tracer.StartSpan(ctx, "docstore.store")
	defer span.End()

	path, err := d.pathFor(name)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		err = domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("document is not JSON serializable: %v", err))
		tracer.RecordError(span, err)
		return "", err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	plaintext, err := json.Marshal(documentPayload{Data: raw, Metadata: metadata, Version: payloadVersion})
	if err != nil {
		err = domain.NewDomainError(op, domain.ErrInvalidInput, err.Error())
		tracer.RecordError(span, err)
		return "", err
	}

	env, err := d.sealer.Seal(plaintext, key, []byte(name))
	clear(plaintext)
	clear(raw)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	encoded, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		err = domain.NewDomainError(op, domain.ErrEncryption, err.Error())
		tracer.RecordError(span, err)
		return "", err
	}

	res, err := d.files.AtomicWrite(path, encoded, d.scope)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	span.SetAttributes(tracer.IntAttr("docstore.bytes", len(encoded)))
	tracer.SetOK(span)
	d.logger.Debug("document stored", "name", name, "bytes", len(encoded))
	return res.Path, nil
}

// Load decrypts the document called name. A missing document fails with
// domain.ErrDocumentNotFound; any tampering or a wrong key fails with
// domain.ErrAuthentication.
func (d *DocumentStore) Load(ctx context.Context, name string, key []byte) (json.RawMessage, error) {
	const op = "DocumentStore.Load"

	_, span := tracer.StartSpan(ctx, "docstore.load")
	defer span.End()

	path, err := d.pathFor(name)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	encoded, err := d.files.SecureRead(path, d.scope)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = domain.NewDomainError(op, domain.ErrDocumentNotFound, name)
		}
		tracer.RecordError(span, err)
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(encoded, &env); err != nil {
		err = domain.NewDomainError(op, domain.ErrAuthentication, "malformed envelope")
		tracer.RecordError(span, err)
		return nil, err
	}

	plaintext, err := Open(&env, key, []byte(name))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	defer clear(plaintext)

	var payload documentPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		err = domain.NewDomainError(op, domain.ErrAuthentication, "malformed payload")
		tracer.RecordError(span, err)
		return nil, err
	}
	if payload.Version != payloadVersion {
		d.logger.Warn("document payload version mismatch", "name", name, "version", payload.Version)
	}

	out := make(json.RawMessage, len(payload.Data))
	copy(out, payload.Data)
	tracer.SetOK(span)
	return out, nil
}

// Delete unlinks the document. It reports false when there was nothing to
// delete.
func (d *DocumentStore) Delete(name string) (bool, error) {
	path, err := d.pathFor(name)
	if err != nil {
		return false, err
	}
	if _, err := d.files.SecureDelete(path, 0, d.scope); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Shred overwrites the document passes times before unlinking it.
func (d *DocumentStore) Shred(name string, passes int) (*FileResult, error) {
	path, err := d.pathFor(name)
	if err != nil {
		return nil, err
	}
	return d.files.SecureDelete(path, passes, d.scope)
}

// List returns the sorted names of stored documents without decrypting them.
// A missing directory lists as empty.
func (d *DocumentStore) List() ([]string, error) {
	dir := d.scope
	if dir == "" {
		dir = d.files.Sandbox().Root()
	}
	entries, err := d.files.ListDirectory(dir, d.scope)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir || !strings.HasSuffix(e.Name, DocumentSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name, DocumentSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether a document called name is stored.
func (d *DocumentStore) Exists(name string) bool {
	path, err := d.pathFor(name)
	if err != nil {
		return false
	}
	return d.files.Exists(path, d.scope)
}

// Info returns size, modification time and envelope parameters of a
// document. The ciphertext is never decrypted.
func (d *DocumentStore) Info(name string) (*DocumentInfo, error) {
	path, err := d.pathFor(name)
	if err != nil {
		return nil, err
	}
	fi, err := d.files.Info(path, d.scope)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewDomainError("DocumentStore.Info", domain.ErrDocumentNotFound, name)
		}
		return nil, err
	}
	encoded, err := d.files.SecureRead(path, d.scope)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(encoded, &env); err != nil {
		return nil, domain.NewDomainError("DocumentStore.Info", domain.ErrAuthentication, "malformed envelope")
	}
	return &DocumentInfo{
		Name:          name,
		Size:          fi.Size,
		Modified:      fi.ModTime,
		Algorithm:     env.Algorithm,
		KDFIterations: env.KDFIterations,
	}, nil
}

// CleanupAll shreds every stored document and returns how many were removed.
func (d *DocumentStore) CleanupAll(passes int) (int, error) {
	names, err := d.List()
	if err != nil {
		return 0, err
	}
	var (
		removed int
		errs    []error
	)
	for _, name := range names {
		if _, err := d.Shred(name, passes); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
