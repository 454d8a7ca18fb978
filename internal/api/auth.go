package api

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"strings"
)

type principal struct {
	id     string
	scopes map[string]struct{}
}

func (p principal) hasScope(scope string) bool {
	_, ok := p.scopes[scope]
	return ok
}

func (p principal) canAccessTenant(tenant string) bool {
	if tenant == "" {
		tenant = "default"
	}
	if p.hasScope("operator") {
		return true
	}
	if p.hasScope("tenant:*") {
		return true
	}
	_, ok := p.scopes["tenant:"+tenant]
	return ok
}

// canTenantAction gates the three verbs the trading surface exposes:
// read, submit (side-effecting command), cancel.
func (p principal) canTenantAction(tenant, action string) bool {
	if p.hasScope("operator") || p.hasScope("admin") {
		return true
	}
	if tenant == "" {
		tenant = "default"
	}
	if !p.hasScope("tenant:*") && !p.hasScope("tenant:"+tenant) {
		return false
	}
	if p.hasScope("role:viewer") && !p.hasScope("role:trader") {
		return action == "read"
	}
	if p.hasScope("role:trader") {
		return action == "read" || action == "submit" || action == "cancel"
	}
	switch action {
	case "read":
		return p.hasScope("cmd:read")
	case "submit":
		return p.hasScope("cmd:submit")
	case "cancel":
		return p.hasScope("cmd:cancel") || p.hasScope("cmd:submit")
	default:
		return false
	}
}

type authorizer struct {
	enabled bool
	tokens  map[string]principal
}

func newAuthorizerFromEnv() *authorizer {
	roleScopes := defaultRoleScopes()
	for role, scopes := range parseRoleScopes(strings.TrimSpace(os.Getenv("TRADENEXUS_API_ROLES"))) {
		roleScopes[role] = scopes
	}
	tokenRoles := parseTokenRoles(strings.TrimSpace(os.Getenv("TRADENEXUS_API_TOKEN_ROLES")))
	raw := strings.TrimSpace(os.Getenv("TRADENEXUS_API_TOKENS"))
	if raw == "" {
		return &authorizer{enabled: false, tokens: map[string]principal{}}
	}
	tokens := make(map[string]principal)
	for _, entry := range strings.Split(raw, ",") {
		token, scopeRaw, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			continue
		}
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		scopes := splitScopeSet(scopeRaw)
		for _, role := range tokenRoles[token] {
			scopes["role:"+role] = struct{}{}
			for scope := range roleScopes[role] {
				scopes[scope] = struct{}{}
			}
		}
		if len(scopes) == 0 {
			continue
		}
		tokens[token] = principal{id: tokenID(token), scopes: scopes}
	}
	if len(tokens) == 0 {
		return &authorizer{enabled: false, tokens: map[string]principal{}}
	}
	return &authorizer{enabled: true, tokens: tokens}
}

func (a *authorizer) authorize(r *http.Request, requiredAny ...string) (principal, int, string) {
	if !a.enabled {
		return principal{id: "anonymous", scopes: map[string]struct{}{}}, http.StatusOK, ""
	}
	token := bearerToken(r)
	if token == "" {
		return principal{}, http.StatusUnauthorized, "missing bearer token"
	}
	p, ok := a.tokens[token]
	if !ok {
		return principal{}, http.StatusUnauthorized, "invalid token"
	}
	if len(requiredAny) == 0 {
		return p, http.StatusOK, ""
	}
	for _, scope := range requiredAny {
		if _, ok := p.scopes[scope]; ok {
			return p, http.StatusOK, ""
		}
	}
	return p, http.StatusForbidden, fmt.Sprintf("missing required scope (one of: %s)", strings.Join(requiredAny, ","))
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-Nexus-Token"))
}

func tokenID(token string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return fmt.Sprintf("tok-%08x", h.Sum32())
}

// splitScopeSet parses a pipe-separated scope list into a set.
func splitScopeSet(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range strings.Split(raw, "|") {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// parseRoleScopes parses "role=scope|scope,role=scope" overrides.
func parseRoleScopes(raw string) map[string]map[string]struct{} {
	out := map[string]map[string]struct{}{}
	for _, e := range strings.Split(raw, ",") {
		role, scopeRaw, ok := strings.Cut(strings.TrimSpace(e), "=")
		if !ok {
			continue
		}
		role = strings.TrimSpace(role)
		scopes := splitScopeSet(scopeRaw)
		if role != "" && len(scopes) > 0 {
			out[role] = scopes
		}
	}
	return out
}

// parseTokenRoles parses "token=role|role,token=role" assignments.
func parseTokenRoles(raw string) map[string][]string {
	out := map[string][]string{}
	for _, e := range strings.Split(raw, ",") {
		token, roleRaw, ok := strings.Cut(strings.TrimSpace(e), "=")
		if !ok {
			continue
		}
		token = strings.TrimSpace(token)
		roles := make([]string, 0, 4)
		for _, r := range strings.Split(roleRaw, "|") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		if token != "" && len(roles) > 0 {
			out[token] = roles
		}
	}
	return out
}

func defaultRoleScopes() map[string]map[string]struct{} {
	mk := func(vals ...string) map[string]struct{} {
		out := map[string]struct{}{}
		for _, v := range vals {
			out[v] = struct{}{}
		}
		return out
	}
	return map[string]map[string]struct{}{
		"admin":  mk("operator", "metrics", "admin", "tenant:*", "cmd:submit", "cmd:read", "cmd:cancel"),
		"ops":    mk("operator", "metrics"),
		"trader": mk("cmd:submit", "cmd:read", "cmd:cancel"),
		"viewer": mk("cmd:read"),
	}
}
