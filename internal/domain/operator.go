package domain

// Operator identifies the person conducting an assessment and the
// organizational unit whose catalogs they may use.
type Operator struct {
	ID       string `json:"id"`
	ScopeKey string `json:"scope_key"`
}

// IsAnonymous returns true when no operator id was supplied.
func (o Operator) IsAnonymous() bool {
	return o.ID == ""
}
