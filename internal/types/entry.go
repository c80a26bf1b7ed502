package types

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

const (
	// AnyVersion skips the optimistic-concurrency check on Put.
	AnyVersion int64 = -1
	// CreateOnly makes Put fail with VersionConflict when the key already exists.
	CreateOnly int64 = 0

	MaxKeyLength = 1024
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// RepositoryID addresses a repository inside a namespace (tenant).
type RepositoryID struct {
	Namespace string `json:"namespace"`
	Name      string `json:"repository"`
}

// EntryKey addresses one entry: (namespace, repository, key).
type EntryKey struct {
	RepositoryID
	Key string `json:"key"`
}

func NewEntryKey(namespace, repository, key string) EntryKey {
	return EntryKey{RepositoryID: RepositoryID{Namespace: namespace, Name: repository}, Key: key}
}

// Value is an opaque JSON document. Stores clone it on the way in and out.
type Value []byte

func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	return bytes.Clone(v)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return v, nil
}

func (v *Value) UnmarshalJSON(b []byte) error {
	*v = bytes.Clone(b)
	return nil
}

// Decode unmarshals the value into a generic Go structure.
func (v Value) Decode() (any, error) {
	var out any
	if err := json.Unmarshal(v, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValueOf marshals any Go value into a Value.
func ValueOf(x any) (Value, error) {
	b, err := json.Marshal(x)
	if err != nil {
		return nil, err
	}
	return Value(b), nil
}

// Entry is a versioned key/value pair as seen by callers. It never aliases backend storage.
type Entry struct {
	Key     string `json:"key"`
	Value   Value  `json:"value"`
	Version int64  `json:"version"`
}

func (e Entry) Clone() Entry {
	e.Value = e.Value.Clone()
	return e
}

// ValidateRepositoryID checks both the namespace and the repository name.
func ValidateRepositoryID(repo RepositoryID) error {
	if repo.Namespace == "" {
		return Err(ErrInvalidRepositoryName, nil, "Please specify 'namespace'")
	}
	if repo.Name == "" {
		return Err(ErrInvalidRepositoryName, nil, "Please specify 'repository'")
	}
	if strings.Contains(repo.Name, "::") || !nameRe.MatchString(repo.Name) {
		return Err(ErrInvalidRepositoryName, nil, "Invalid repository name '%s'", repo.Name)
	}
	if !nameRe.MatchString(repo.Namespace) {
		return Err(ErrInvalidRepositoryName, nil, "Invalid namespace '%s'", repo.Namespace)
	}
	return nil
}

// ValidateKey checks the structural rules for an entry key.
func ValidateKey(key string) error {
	if key == "" {
		return Err(ErrInvalidRequest, nil, "Please specify 'key'")
	}
	if len(key) > MaxKeyLength {
		return Err(ErrInvalidRequest, nil, "Key must not exceed %d bytes", MaxKeyLength)
	}
	if !utf8.ValidString(key) {
		return Err(ErrInvalidRequest, nil, "Key must be valid UTF-8")
	}
	if strings.IndexFunc(key, unicode.IsControl) >= 0 {
		return Err(ErrInvalidRequest, nil, "Key must not contain control characters")
	}
	return nil
}

// ValidateValue rejects empty, null or malformed JSON documents.
func ValidateValue(v Value) error {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Err(ErrInvalidRequest, nil, "Please specify 'value'")
	}
	if !json.Valid(trimmed) {
		return Err(ErrInvalidRequest, nil, "Value must be a valid JSON document")
	}
	return nil
}

// ValidateExpected checks a Put precondition.
func ValidateExpected(expected int64) error {
	if expected < AnyVersion {
		return Err(ErrInvalidRequest, nil, "Version must be a positive number")
	}
	return nil
}

// CheckPrecondition evaluates a Put expectation against the stored state of key.
func CheckPrecondition(key string, expected int64, exists bool, current int64) error {
	switch {
	case expected < AnyVersion:
		return ValidateExpected(expected)
	case expected == AnyVersion:
		return nil
	case expected == CreateOnly:
		if exists {
			return VersionConflictErr(key, expected)
		}
		return nil
	case !exists || current != expected:
		return VersionConflictErr(key, expected)
	}
	return nil
}
