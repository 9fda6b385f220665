package types

import (
	"net/url"
	"strings"
)

// RegistrationKey identifies a registration: the top-level origin of the
// page that registered it plus the scope URL (fragment removed). Keys are
// comparable and used directly as map keys.
type RegistrationKey struct {
	TopOrigin SecurityOrigin `json:"top_origin"`
	Scope     string         `json:"scope"`
}

// NewRegistrationKey builds the key for scope under topOrigin.
func NewRegistrationKey(topOrigin SecurityOrigin, scope *url.URL) RegistrationKey {
	return RegistrationKey{
		TopOrigin: topOrigin,
		Scope:     WithoutFragment(scope).String(),
	}
}

// ScopeURL parses the stored scope string.
func (k RegistrationKey) ScopeURL() *url.URL {
	u, err := url.Parse(k.Scope)
	if err != nil {
		return nil
	}
	return u
}

// ScopeOrigin is the origin the scope URL belongs to.
func (k RegistrationKey) ScopeOrigin() SecurityOrigin {
	return OriginFromURL(k.ScopeURL())
}

// OriginIsMatching reports whether a client at clientURL under topOrigin
// shares both the top origin and the scope's origin.
func (k RegistrationKey) OriginIsMatching(topOrigin SecurityOrigin, clientURL *url.URL) bool {
	if !k.TopOrigin.SameOrigin(topOrigin) {
		return false
	}
	return k.ScopeOrigin().SameOrigin(OriginFromURL(clientURL))
}

// IsMatching reports whether the registration's scope is a prefix of clientURL.
func (k RegistrationKey) IsMatching(topOrigin SecurityOrigin, clientURL *url.URL) bool {
	if !k.OriginIsMatching(topOrigin, clientURL) {
		return false
	}
	return strings.HasPrefix(WithoutFragment(clientURL).String(), k.Scope)
}

// MoreSpecificThan orders keys by scope length: longer is more specific.
func (k RegistrationKey) MoreSpecificThan(other RegistrationKey) bool {
	return len(k.Scope) > len(other.Scope)
}

func (k RegistrationKey) String() string {
	return k.TopOrigin.String() + "_" + k.Scope
}
