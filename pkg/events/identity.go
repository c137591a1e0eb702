package events

// Role is the coarse permission level attached to an identity.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
)

// IsPrivileged reports whether the role may join the admin group.
func (r Role) IsPrivileged() bool {
	return r == RoleAdmin
}

// Known reports whether r is one of the defined roles.
func (r Role) Known() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleStaff:
		return true
	}
	return false
}

// Identity is the authenticated principal bound to a connection.
type Identity struct {
	UserID string `json:"userId" validate:"required"`
	Role   Role   `json:"role"`
}

// CanJoin applies the join rules for private topics. Domain topics are
// open to any connection and are not checked here.
func (id Identity) CanJoin(t Topic) bool {
	switch t.Kind() {
	case TopicKindUser:
		return t.Subject() == id.UserID
	case TopicKindGroup:
		if id.Role.IsPrivileged() {
			return true
		}
		if t.Subject() == AdminGroup {
			return false
		}
		return t.Subject() == string(id.Role)
	case TopicKindDomain:
		return true
	}
	return false
}
