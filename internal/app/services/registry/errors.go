package registry

import (
	"errors"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
)

var (
	// ErrInvalidName aliases the normalization failure so callers need only this package.
	ErrInvalidName = name.ErrInvalidName
	// ErrDuplicateName is returned when a record already exists under the normalized name.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrRecordNotFound is returned when no record exists under the normalized name.
	ErrRecordNotFound = errors.New("record not found")
	// ErrAppInfoImmutable aliases the canonical deployment guard.
	ErrAppInfoImmutable = apps.ErrAppInfoImmutable

	ErrInvalidNetwork     = errors.New("network identifier is required")
	ErrNetworkNotFound    = errors.New("network not registered for record")
	ErrInvalidMetadataKey = errors.New("metadata key is required")
	ErrAppCapRequired     = errors.New("app capability id is required")
	ErrUnauthorized       = errors.New("mutation not authorized")
)
