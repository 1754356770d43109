// Package apps holds the registry data model: deployment descriptors and the
// per-application record kept under each name.
package apps

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/app_registry/internal/app/domain/name"
)

// ErrAppInfoImmutable is returned when a canonical deployment that is already
// set would be replaced by a different one.
var ErrAppInfoImmutable = errors.New("canonical app info is already set")

// AppInfo describes one deployment target. Every field is optional.
type AppInfo struct {
	PackageInfoID  *ObjectID `json:"package_info_id,omitempty" yaml:"package_info_id,omitempty"`
	PackageAddress *Address  `json:"package_address,omitempty" yaml:"package_address,omitempty"`
	UpgradeCapID   *ObjectID `json:"upgrade_cap_id,omitempty" yaml:"upgrade_cap_id,omitempty"`
}

// NewAppInfo returns the descriptor written by the registry operations: package
// info and address present, no upgrade capability.
func NewAppInfo(packageInfoID ObjectID, packageAddress Address) AppInfo {
	return AppInfo{
		PackageInfoID:  &packageInfoID,
		PackageAddress: &packageAddress,
	}
}

// Clone returns a copy sharing no pointers with info.
func (info AppInfo) Clone() AppInfo {
	out := AppInfo{}
	if info.PackageInfoID != nil {
		v := *info.PackageInfoID
		out.PackageInfoID = &v
	}
	if info.PackageAddress != nil {
		v := *info.PackageAddress
		out.PackageAddress = &v
	}
	if info.UpgradeCapID != nil {
		v := *info.UpgradeCapID
		out.UpgradeCapID = &v
	}
	return out
}

// Equal compares by field contents.
func (info AppInfo) Equal(other AppInfo) bool {
	return eqPtr(info.PackageInfoID, other.PackageInfoID) &&
		eqPtr(info.PackageAddress, other.PackageAddress) &&
		eqPtr(info.UpgradeCapID, other.UpgradeCapID)
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// CanonicalInfo is the mainnet deployment slot of a record: either unset or set
// to exactly one AppInfo. Once set it only accepts the same value again.
type CanonicalInfo struct {
	info AppInfo
	set  bool
}

// Unset returns an empty canonical slot.
func Unset() CanonicalInfo { return CanonicalInfo{} }

// Canonical returns a slot holding info.
func Canonical(info AppInfo) CanonicalInfo {
	return CanonicalInfo{info: info.Clone(), set: true}
}

// IsSet reports whether the slot holds a value.
func (c CanonicalInfo) IsSet() bool { return c.set }

// Get returns the held value and whether one is present.
func (c CanonicalInfo) Get() (AppInfo, bool) {
	if !c.set {
		return AppInfo{}, false
	}
	return c.info.Clone(), true
}

// Set transitions Unset to Set(info). Setting an equal value again is a no-op;
// any other value yields ErrAppInfoImmutable.
func (c CanonicalInfo) Set(info AppInfo) (CanonicalInfo, error) {
	if c.set {
		if c.info.Equal(info) {
			return c, nil
		}
		return c, ErrAppInfoImmutable
	}
	return Canonical(info), nil
}

// Equal compares two slots by state and value.
func (c CanonicalInfo) Equal(other CanonicalInfo) bool {
	if c.set != other.set {
		return false
	}
	return !c.set || c.info.Equal(other.info)
}

func (c CanonicalInfo) ptr() *AppInfo {
	if !c.set {
		return nil
	}
	v := c.info.Clone()
	return &v
}

func fromPtr(info *AppInfo) CanonicalInfo {
	if info == nil {
		return Unset()
	}
	return Canonical(*info)
}

// MarshalJSON encodes an unset slot as null.
func (c CanonicalInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.ptr())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *CanonicalInfo) UnmarshalJSON(data []byte) error {
	var info *AppInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return err
	}
	*c = fromPtr(info)
	return nil
}

// MarshalYAML encodes an unset slot as null.
func (c CanonicalInfo) MarshalYAML() (interface{}, error) {
	return c.ptr(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *CanonicalInfo) UnmarshalYAML(value *yaml.Node) error {
	var info *AppInfo
	if err := value.Decode(&info); err != nil {
		return err
	}
	*c = fromPtr(info)
	return nil
}

// AppRecord is everything the registry knows about one application.
type AppRecord struct {
	Name name.Name `json:"name" yaml:"name"`
	// AppCapID identifies the capability allowed to administer the record. The
	// zero value is the placeholder used when no capability was supplied.
	AppCapID ObjectID `json:"app_cap_id" yaml:"app_cap_id"`
	// AppInfo is the canonical (mainnet) deployment.
	AppInfo CanonicalInfo `json:"app_info" yaml:"app_info"`
	// Networks holds per-network deployments keyed by chain identifier.
	Networks map[string]AppInfo `json:"networks" yaml:"networks"`
	Metadata map[string]string  `json:"metadata" yaml:"metadata"`
	// Storage is the extensible storage handle owned by the record.
	Storage   ObjectID  `json:"storage" yaml:"storage"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of r.
func (r AppRecord) Clone() AppRecord {
	out := r
	out.AppInfo = fromPtr(r.AppInfo.ptr())
	out.Networks = make(map[string]AppInfo, len(r.Networks))
	for k, v := range r.Networks {
		out.Networks[k] = v.Clone()
	}
	out.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Network returns the deployment registered for network.
func (r AppRecord) Network(network string) (AppInfo, bool) {
	info, ok := r.Networks[network]
	if !ok {
		return AppInfo{}, false
	}
	return info.Clone(), true
}

// PutNetwork inserts or replaces the deployment for network.
func (r *AppRecord) PutNetwork(network string, info AppInfo) {
	if r.Networks == nil {
		r.Networks = make(map[string]AppInfo)
	}
	r.Networks[network] = info.Clone()
}

// NetworkIDs returns the network identifiers in sorted order.
func (r AppRecord) NetworkIDs() []string {
	ids := make([]string, 0, len(r.Networks))
	for id := range r.Networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry describes the single registry instance. Its id is assigned once at
// creation and never changes.
type Registry struct {
	ID ObjectID `json:"id" yaml:"id"`
}
