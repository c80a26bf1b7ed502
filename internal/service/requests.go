package service

import (
	"confstore/internal/types"
	"errors"
	"strings"

	"gopkg.in/go-playground/validator.v9"
)

// RepositoryRequest addresses a repository. An empty Namespace means the caller's tenant.
type RepositoryRequest struct {
	Token      string `json:"-"`
	Namespace  string `json:"namespace,omitempty"`
	Repository string `json:"repository" validate:"required"`
}

// EntryRequest addresses one entry. Version, when set, reads that revision from history.
type EntryRequest struct {
	Token      string `json:"-"`
	Namespace  string `json:"namespace,omitempty"`
	Repository string `json:"repository" validate:"required"`
	Key        string `json:"key" validate:"required"`
	Version    *int64 `json:"version,omitempty"`
}

// ListRequest enumerates a repository. Filter is a JMESPath expression evaluated against
// {"key", "value", "version"} of each entry; entries where it yields true are kept (or dropped
// when Negate is set).
type ListRequest struct {
	Token      string `json:"-"`
	Namespace  string `json:"namespace,omitempty"`
	Repository string `json:"repository" validate:"required"`
	Filter     string `json:"filter,omitempty"`
	Negate     bool   `json:"negate,omitempty"`
}

// PutRequest writes an entry. A nil ExpectedVersion skips the version check.
type PutRequest struct {
	Token           string      `json:"-"`
	Namespace       string      `json:"namespace,omitempty"`
	Repository      string      `json:"repository" validate:"required"`
	Key             string      `json:"key" validate:"required"`
	Value           types.Value `json:"value" validate:"required"`
	ExpectedVersion *int64      `json:"expected_version,omitempty"`
}

type PutResult struct {
	Key     string `json:"key"`
	Version int64  `json:"version"`
}

func newValidator() *validator.Validate {
	return validator.New()
}

// check runs the struct tags and renders the first failure the way callers expect it.
func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		kind := types.ErrInvalidRequest
		if f.Field() == "Repository" {
			kind = types.ErrInvalidRepositoryName
		}
		if f.Tag() == "required" {
			return types.Err(kind, nil, "Please specify '%s'", strings.ToLower(f.Field()))
		}
		return types.Err(kind, nil, "Invalid '%s'", strings.ToLower(f.Field()))
	}
	return types.Err(types.ErrInvalidRequest, err, "Invalid request")
}
