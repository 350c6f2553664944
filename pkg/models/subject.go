package models

// Subject is the authenticated principal (user or service) a plan or
// request acts as. Value type: roles and scopes are deep-copied whenever a
// Subject crosses a storage or API boundary.
type Subject struct {
	SessionID string   `json:"session_id,omitempty"`
	TenantID  string   `json:"tenant_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Email     string   `json:"email,omitempty"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

// Clone returns a deep copy of the subject, or nil for a nil receiver.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	out := *s
	if s.Roles != nil {
		out.Roles = append([]string(nil), s.Roles...)
	}
	if s.Scopes != nil {
		out.Scopes = append([]string(nil), s.Scopes...)
	}
	return &out
}

// SubjectsMatch reports whether requester may act on resources owned by
// owner. The predicate is a multi-branch OR:
//
//   - same session id,
//   - same user id within the same tenant,
//   - same email within the same tenant,
//   - tenant-only when the owner carries no user identity (service-account
//     owned plans).
func SubjectsMatch(owner, requester *Subject) bool {
	if owner == nil || requester == nil {
		return false
	}
	if owner.SessionID != "" && owner.SessionID == requester.SessionID {
		return true
	}
	sameTenant := owner.TenantID != "" && owner.TenantID == requester.TenantID
	if !sameTenant {
		return false
	}
	if owner.UserID != "" && owner.UserID == requester.UserID {
		return true
	}
	if owner.Email != "" && owner.Email == requester.Email {
		return true
	}
	// Owner has neither user id nor email: tenant membership suffices.
	return owner.UserID == "" && owner.Email == ""
}
