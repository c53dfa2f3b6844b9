package models

// PrincipalClass distinguishes guests from members
type PrincipalClass string

const (
	ClassGuest  PrincipalClass = "guest"
	ClassMember PrincipalClass = "member"
)

// Principal is the identity a request acts on behalf of
type Principal struct {
	ID            string         `json:"id"`
	Class         PrincipalClass `json:"class"`
	Authenticated bool           `json:"isAuthenticated"`
}

// Guest returns the anonymous principal
func Guest() Principal {
	return Principal{ID: "guest", Class: ClassGuest}
}

// CanUseRemote reports whether the principal has remote-storage rights
func (p Principal) CanUseRemote() bool {
	return p.Authenticated && p.Class == ClassMember
}
