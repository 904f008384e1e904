package domain

// ClassificationEntry is one selectable classification within an
// organizational scope. Label is what the operator sees and picks.
type ClassificationEntry struct {
	ID       string             `json:"id" yaml:"id"`
	ScopeKey string             `json:"scope_key" yaml:"scope_key"`
	Label    string             `json:"label" yaml:"label"`
	Pair     ClassificationPair `json:"pair" yaml:"pair"`
}

// DisplayLabel returns Label, falling back to the pair's own label.
func (e ClassificationEntry) DisplayLabel() string {
	if e.Label != "" {
		return e.Label
	}
	return e.Pair.Label()
}

// ResponsibleEntry is a party that can own the corrective action.
type ResponsibleEntry struct {
	ID       string `json:"id" yaml:"id"`
	ScopeKey string `json:"scope_key" yaml:"scope_key"`
	Name     string `json:"name" yaml:"name"`
	Role     string `json:"role,omitempty" yaml:"role,omitempty"`
}

// DisplayLabel returns the name shown in the directory, including the role
// when present.
func (e ResponsibleEntry) DisplayLabel() string {
	if e.Role == "" {
		return e.Name
	}
	return e.Name + " (" + e.Role + ")"
}
