package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
	"github.com/R3E-Network/app_registry/internal/app/storage"
)

// Op names a registry mutation. The values double as metric labels.
type Op string

const (
	OpAddRecord   Op = "add_record"
	OpSetNetwork  Op = "set_network"
	OpSetAppInfo  Op = "set_app_info"
	OpSetMetadata Op = "set_metadata"
)

// Mutation describes a pending change presented to the Authorizer. AppCapID is
// the capability the caller presented, zero when none was given.
type Mutation struct {
	Op       Op
	Name     name.Name
	Network  string
	AppCapID apps.ObjectID
}

// Authorizer decides whether a mutation may proceed. Any error rejects it; the
// service reports rejections as ErrUnauthorized.
type Authorizer interface {
	AuthorizeMutation(ctx context.Context, m Mutation) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, m Mutation) error

func (f AuthorizerFunc) AuthorizeMutation(ctx context.Context, m Mutation) error {
	return f(ctx, m)
}

// AllowAll authorizes every mutation.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, Mutation) error { return nil })

// CapabilityAuthorizer lets anyone add records and requires every later
// mutation to present the record's app capability.
type CapabilityAuthorizer struct {
	Store storage.RecordStore
}

func (a CapabilityAuthorizer) AuthorizeMutation(ctx context.Context, m Mutation) error {
	if m.Op == OpAddRecord {
		return nil
	}
	rec, err := a.Store.GetRecord(ctx, m.Name)
	if errors.Is(err, storage.ErrNotFound) {
		// the mutation itself reports RecordNotFound
		return nil
	}
	if err != nil {
		return err
	}
	if rec.AppCapID != m.AppCapID {
		return fmt.Errorf("%s on %s: capability %s does not own record", m.Op, m.Name, m.AppCapID)
	}
	return nil
}

// AppCapPolicy selects how AddRecord fills app_cap_id.
type AppCapPolicy string

const (
	// AppCapPlaceholder stores the caller's capability or the zero id when none is given.
	AppCapPlaceholder AppCapPolicy = "placeholder"
	// AppCapRequired rejects AddRecord without a non-zero capability.
	AppCapRequired AppCapPolicy = "required"
)

// ParseAppCapPolicy maps a config string onto a policy. Empty means placeholder.
func ParseAppCapPolicy(raw string) (AppCapPolicy, error) {
	switch AppCapPolicy(raw) {
	case "", AppCapPlaceholder:
		return AppCapPlaceholder, nil
	case AppCapRequired:
		return AppCapRequired, nil
	default:
		return "", fmt.Errorf("unknown app cap policy %q", raw)
	}
}
