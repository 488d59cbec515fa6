package models

// TenantContext is the immutable (client, engagement, user) triple that
// scopes every read and write. The orchestrator never derives tenant scope
// from anything else.
type TenantContext struct {
	ClientAccountID string `json:"client_account_id"`
	EngagementID    string `json:"engagement_id"`
	UserID          string `json:"user_id"`
}

// Valid reports whether the triple is fully populated.
func (t TenantContext) Valid() bool {
	return t.ClientAccountID != "" && t.EngagementID != "" && t.UserID != ""
}
