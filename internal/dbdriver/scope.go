package dbdriver

import (
	"fmt"
	"strings"
)

// Scope is the privilege tier requested for a JIT account.
type Scope string

const (
	ScopeReadOnly  Scope = "ReadOnly"
	ScopeReadWrite Scope = "ReadWrite"
	ScopeDDL       Scope = "DDL"
	ScopeDML       Scope = "DML"
	ScopeAll       Scope = "All"
)

// Privilege is an engine-neutral grant.
type Privilege string

const (
	PrivSelect Privilege = "SELECT"
	PrivInsert Privilege = "INSERT"
	PrivUpdate Privilege = "UPDATE"
	PrivDelete Privilege = "DELETE"
	PrivCreate Privilege = "CREATE"
	PrivAlter  Privilege = "ALTER"
	PrivDrop   Privilege = "DROP"
)

var scopePrivileges = map[Scope][]Privilege{
	ScopeReadOnly:  {PrivSelect},
	ScopeReadWrite: {PrivSelect, PrivInsert, PrivUpdate, PrivDelete},
	ScopeDML:       {PrivInsert, PrivUpdate, PrivDelete},
	ScopeDDL:       {PrivCreate, PrivAlter, PrivDrop},
	ScopeAll:       {PrivSelect, PrivInsert, PrivUpdate, PrivDelete, PrivCreate, PrivAlter, PrivDrop},
}

// ParseScope resolves a scope name case-insensitively.
func ParseScope(v string) (Scope, error) {
	for s := range scopePrivileges {
		if strings.EqualFold(string(s), strings.TrimSpace(v)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("dbdriver: unknown scope %q", v)
}

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	_, ok := scopePrivileges[s]
	return ok
}

// Privileges returns the grants for the scope in a stable order.
func (s Scope) Privileges() []Privilege {
	return append([]Privilege(nil), scopePrivileges[s]...)
}

// Has reports whether the scope includes p.
func (s Scope) Has(p Privilege) bool {
	for _, candidate := range scopePrivileges[s] {
		if candidate == p {
			return true
		}
	}
	return false
}

func joinPrivileges(privs []Privilege) string {
	parts := make([]string, len(privs))
	for i, p := range privs {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}
