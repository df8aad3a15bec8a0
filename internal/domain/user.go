package domain

import "time"

// PrincipalKind distinguishes administrators from tenant users.
type PrincipalKind string

const (
	KindAdmin PrincipalKind = "admin"
	KindUser  PrincipalKind = "user"
)

// User is an account able to sign in. Tenant users are scoped to one client
// and an explicit project allow-list.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	Kind         PrincipalKind
	ClientID     string
	ProjectIDs   []string
	Active       bool
	CreatedAt    time.Time
}

// Principal is the authenticated caller of a request. It is derived from a
// signed token per request and never persisted.
type Principal struct {
	ID         string
	Kind       PrincipalKind
	ClientID   string
	ProjectIDs []string
}

// IsAdmin reports whether the principal is unrestricted.
func (p Principal) IsAdmin() bool {
	return p.Kind == KindAdmin
}

// AssignedTo reports whether projectID is on the principal's allow-list.
func (p Principal) AssignedTo(projectID string) bool {
	for _, id := range p.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}
