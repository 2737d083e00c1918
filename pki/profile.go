package pki

import (
	"crypto/x509"
	"fmt"
	"slices"
)

// Role selects the issuance profile for a request.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"

	// RoleCA is reserved for the CA's own certificate. Requests that ask for
	// it are always rejected.
	RoleCA Role = "ca"
)

// Profile is the fixed extension set applied to every certificate of a role.
// Issued certificates carry basic constraints, key usage, extended key usage
// and the two key identifiers, and nothing else.
type Profile struct {
	Role        Role
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
	IsCA        bool
}

// ServerProfile is used for TLS server certificates.
func ServerProfile() Profile {
	return Profile{
		Role:        RoleServer,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
}

// ClientProfile is used for TLS client certificates.
func ClientProfile() Profile {
	return Profile{
		Role:        RoleClient,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
}

func caProfile() Profile {
	return Profile{
		Role:     RoleCA,
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:     true,
	}
}

func (p Profile) apply(tmpl *x509.Certificate) {
	tmpl.BasicConstraintsValid = true
	tmpl.IsCA = p.IsCA
	tmpl.KeyUsage = p.KeyUsage
	tmpl.ExtKeyUsage = slices.Clone(p.ExtKeyUsage)
}

// ProfileRegistry resolves roles to profiles. It is immutable once built and
// safe for concurrent use.
type ProfileRegistry struct {
	profiles map[Role]Profile
}

// DefaultProfileRegistry knows the server and client roles.
func DefaultProfileRegistry() *ProfileRegistry {
	r, _ := NewProfileRegistry(ServerProfile(), ClientProfile())
	return r
}

// NewProfileRegistry builds a registry from leaf profiles. CA profiles and
// duplicate roles are rejected.
func NewProfileRegistry(profiles ...Profile) (*ProfileRegistry, error) {
	r := &ProfileRegistry{profiles: make(map[Role]Profile, len(profiles))}
	for _, p := range profiles {
		switch {
		case p.Role == "":
			return nil, fmt.Errorf("profile role is required")
		case p.Role == RoleCA || p.IsCA:
			return nil, fmt.Errorf("profile %q: CA profiles cannot be registered", p.Role)
		case p.KeyUsage&(x509.KeyUsageCertSign|x509.KeyUsageCRLSign) != 0:
			return nil, fmt.Errorf("profile %q: leaf profiles cannot sign certificates or CRLs", p.Role)
		}
		if _, dup := r.profiles[p.Role]; dup {
			return nil, fmt.Errorf("profile %q registered twice", p.Role)
		}
		p.ExtKeyUsage = slices.Clone(p.ExtKeyUsage)
		r.profiles[p.Role] = p
	}
	return r, nil
}

// Resolve returns the profile for role. The CA role and unregistered roles
// yield ErrUnknownProfile.
func (r *ProfileRegistry) Resolve(role Role) (Profile, error) {
	if role == RoleCA {
		return Profile{}, fmt.Errorf("%w: role %q is reserved for the CA certificate", ErrUnknownProfile, role)
	}
	p, ok := r.profiles[role]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, role)
	}
	p.ExtKeyUsage = slices.Clone(p.ExtKeyUsage)
	return p, nil
}

// Roles lists the registered roles in sorted order.
func (r *ProfileRegistry) Roles() []Role {
	roles := make([]Role, 0, len(r.profiles))
	for role := range r.profiles {
		roles = append(roles, role)
	}
	slices.Sort(roles)
	return roles
}
