// Package security defines the identity view the core depends on.
// Concrete authentication/encryption is an external collaborator (spec §1);
// the core only ever consults this narrow predicate-shaped interface.
package security

// Context exposes identity, roles, and claims to pipeline behaviors and the
// gateway's Authorize step, without the core knowing how identity was
// established.
type Context interface {
	// Identity returns the caller's principal identifier (empty if anonymous).
	Identity() string

	// Roles returns the set of roles granted to the caller.
	Roles() []string

	// Claim returns an opaque claim value by name.
	Claim(name string) (string, bool)

	// Authorize reports whether the caller holds the named permission.
	Authorize(permission string) bool
}

// Anonymous is the zero-trust Context used when no security context was
// supplied: it holds no roles and authorizes nothing.
type Anonymous struct{}

func (Anonymous) Identity() string            { return "" }
func (Anonymous) Roles() []string             { return nil }
func (Anonymous) Claim(string) (string, bool) { return "", false }
func (Anonymous) Authorize(string) bool       { return false }

// Static is a simple in-memory Context useful for tests and for hosts that
// resolve identity out-of-band (e.g. from a reverse-proxy header) before
// handing it to the bus.
type Static struct {
	ID          string
	RoleSet     []string
	Claims      map[string]string
	Permissions map[string]bool
}

func (s *Static) Identity() string { return s.ID }
func (s *Static) Roles() []string  { return s.RoleSet }

func (s *Static) Claim(name string) (string, bool) {
	v, ok := s.Claims[name]
	return v, ok
}

func (s *Static) Authorize(permission string) bool {
	return s.Permissions[permission]
}

// HasRole is a convenience helper used by the gateway's role-check step.
func HasRole(ctx Context, role string) bool {
	if ctx == nil {
		return false
	}
	for _, r := range ctx.Roles() {
		if r == role {
			return true
		}
	}
	return false
}
