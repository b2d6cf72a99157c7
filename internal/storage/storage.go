// Package storage defines the object-storage capability the job runner
// depends on, plus one adapter per provider. The job runner only sees the
// Client interface.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Sentinel errors classifying provider failures. Adapters wrap provider
// errors with exactly one of these so callers can branch with errors.Is.
var (
	// ErrNotFound means the bucket/container does not exist.
	ErrNotFound = errors.New("bucket not found")
	// ErrPermission means the credentials are valid but access is denied.
	ErrPermission = errors.New("access denied")
	// ErrCredential means the credentials are bad or expired.
	ErrCredential = errors.New("invalid credentials")
)

// ObjectInfo describes one remote object returned by List.
type ObjectInfo struct {
	Key        string
	Name       string
	Size       int64
	ModifiedAt time.Time
}

// Client is the uniform capability set over one provider. All operations are
// idempotent from the caller's perspective except Move's copy step.
type Client interface {
	// TestConnection verifies the bucket is reachable with the configured
	// credentials.
	TestConnection(ctx context.Context, bucket string) error

	// List returns objects under prefix whose basename matches pattern
	// (case-insensitive glob). Directory-marker entries are excluded.
	List(ctx context.Context, bucket, prefix, pattern string) ([]ObjectInfo, error)

	// Download returns the object content.
	Download(ctx context.Context, bucket, key string) ([]byte, error)

	// Delete removes the object.
	Delete(ctx context.Context, bucket, key string) error

	// Move relocates the object. Providers without an atomic rename copy
	// then delete the original; if the copy succeeds and the delete fails,
	// the object exists at both locations. That inconsistency is accepted
	// as rare and manually reconcilable.
	Move(ctx context.Context, bucket, sourceKey, destKey string) error
}

// ErrorKind labels an expected connection-test failure mode.
type ErrorKind string

const (
	// ErrorKindNone means the test passed.
	ErrorKindNone ErrorKind = ""
	// ErrorKindNotFound means the bucket does not exist.
	ErrorKindNotFound ErrorKind = "not_found"
	// ErrorKindPermission means access was denied.
	ErrorKindPermission ErrorKind = "permission"
	// ErrorKindCredential means the credentials were rejected.
	ErrorKindCredential ErrorKind = "credential"
	// ErrorKindUnknown covers transport and provider errors outside the taxonomy.
	ErrorKindUnknown ErrorKind = "unknown"
)

// ConnectionTestResult reports a pre-flight check outcome. Callers branch on
// the result instead of catching typed errors for expected failure modes.
type ConnectionTestResult struct {
	OK        bool      `json:"ok"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// ClassifyError converts a Client error into a ConnectionTestResult.
func ClassifyError(err error) ConnectionTestResult {
	switch {
	case err == nil:
		return ConnectionTestResult{OK: true}
	case errors.Is(err, ErrNotFound):
		return ConnectionTestResult{ErrorKind: ErrorKindNotFound, Message: err.Error()}
	case errors.Is(err, ErrPermission):
		return ConnectionTestResult{ErrorKind: ErrorKindPermission, Message: err.Error()}
	case errors.Is(err, ErrCredential):
		return ConnectionTestResult{ErrorKind: ErrorKindCredential, Message: err.Error()}
	default:
		return ConnectionTestResult{ErrorKind: ErrorKindUnknown, Message: err.Error()}
	}
}

// Credentials is the decrypted credential blob stored per job.
type Credentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	// Region defaults to eu-central-1 when empty.
	Region string `json:"region,omitempty"`
	// Endpoint selects an S3-compatible store (MinIO, Ceph RGW); empty
	// means AWS proper.
	Endpoint string `json:"endpoint,omitempty"`
}

// ParseCredentials decodes a decrypted credential blob.
func ParseCredentials(raw []byte) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return Credentials{}, errors.New("credentials missing access_key_id or secret_access_key")
	}
	return creds, nil
}

// ProviderS3 is the only provider currently shipped. GCS and Azure Blob slot
// in behind the same interface.
const ProviderS3 = "s3"

// NewClient constructs the adapter for the named provider.
//
//nolint:ireturn // factory intentionally returns the capability interface
func NewClient(provider string, creds Credentials) (Client, error) {
	switch strings.ToLower(provider) {
	case ProviderS3:
		return NewS3Client(creds), nil
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", provider)
	}
}

// MatchesPattern reports whether the basename of key matches the glob
// pattern, case-insensitively. Malformed patterns never match; they are
// rejected earlier by request validation.
func MatchesPattern(pattern, key string) bool {
	name := path.Base(key)
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(name))
	return err == nil && ok
}

// IsDirectoryMarker reports whether a listing entry is a zero-byte
// directory placeholder rather than a real object.
func IsDirectoryMarker(key string, size int64) bool {
	return strings.HasSuffix(key, "/") && size == 0
}
