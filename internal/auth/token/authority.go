package token

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
)

// Principal is the authenticated caller as authorization sees it: a subject
// plus the flat authority set every access decision matches against.
type Principal struct {
	Subject     string
	Authorities map[string]struct{}
	Tenants     []string
}

// HasAuthority reports whether the principal carries the authority.
func (p *Principal) HasAuthority(authority string) bool {
	_, ok := p.Authorities[authority]
	return ok
}

// HasScope reports whether the principal carries SCOPE_<scope>.
func (p *Principal) HasScope(prefix, scope string) bool {
	return p.HasAuthority(prefix + scope)
}

// MemberOf reports whether the principal holds any role in the tenant.
func (p *Principal) MemberOf(tenant string) bool {
	for _, t := range p.Tenants {
		if t == tenant {
			return true
		}
	}
	return false
}

// AuthorityList returns the authorities sorted, for logs and tests.
func (p *Principal) AuthorityList() []string {
	out := make([]string, 0, len(p.Authorities))
	for a := range p.Authorities {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Mapper derives authorities from token claims. The same mapping serves
// tokens minted by the built-in issuer and by Keycloak; only the claim
// carrying tenant membership differs.
type Mapper struct {
	cfg *config.AuthzConfig
}

// NewMapper creates a mapper.
func NewMapper(cfg *config.AuthzConfig) *Mapper {
	return &Mapper{cfg: cfg}
}

// Map flattens claims into a principal.
//
// scope "orders.write profile" becomes SCOPE_orders.write and SCOPE_profile.
// mt {"acme": ["admin"]} becomes TENANT_acme:ADMIN. Keycloak resource_access
// entries whose client id carries the tenant prefix contribute the same
// tenant authorities. aud and perm mapping are driven by config.
func (m *Mapper) Map(claims *Claims) *Principal {
	p := &Principal{
		Subject:     claims.Subject,
		Authorities: make(map[string]struct{}),
	}
	seenTenants := make(map[string]struct{})

	addTenant := func(tenant string, roles []string) {
		if tenant == "" {
			return
		}
		if _, ok := seenTenants[tenant]; !ok {
			seenTenants[tenant] = struct{}{}
			p.Tenants = append(p.Tenants, tenant)
		}
		for _, role := range roles {
			if role == "" {
				continue
			}
			authority := fmt.Sprintf(m.cfg.TenantRoleAuthorityPattern, tenant, strings.ToUpper(role))
			p.Authorities[authority] = struct{}{}
		}
	}

	for _, scope := range strings.Fields(claims.Scope) {
		p.Authorities[m.cfg.ScopeAuthorityPrefix+scope] = struct{}{}
	}

	for tenant, roles := range claims.TenantRoles {
		addTenant(tenant, roles)
	}

	for client, access := range claims.ResourceAccess {
		tenant, ok := strings.CutPrefix(client, m.cfg.KeycloakTenantResourcePrefix)
		if !ok {
			continue
		}
		addTenant(tenant, access.Roles)
	}

	if m.cfg.MapAudienceToAuthorities {
		for _, aud := range claims.Audience {
			if aud != "" {
				p.Authorities[m.cfg.AudienceAuthorityPrefix+aud] = struct{}{}
			}
		}
	}

	for _, perm := range claims.Permissions {
		if perm != "" {
			p.Authorities[m.cfg.PermissionAuthorityPrefix+perm] = struct{}{}
		}
	}

	sort.Strings(p.Tenants)
	return p
}
