package cloud

// Condition restricts a binding. Conditional bindings are preserved but never
// extended by AddMember.
type Condition struct {
	Expression  string
	Title       string
	Description string
}

// Binding grants a role to members.
type Binding struct {
	Role      string
	Members   []string
	Condition *Condition
}

// Policy is a project access policy. Etag guards concurrent read-modify-write
// on the provider side; Source carries the provider payload so fields this
// package does not model survive the round trip.
type Policy struct {
	Bindings []Binding
	Etag     string
	Version  int64
	Source   any
}

// AddMember adds member to the unconditional binding for role, creating it if
// needed. It reports whether the policy changed.
func (p *Policy) AddMember(role, member string) bool {
	for i := range p.Bindings {
		if p.Bindings[i].Role != role || p.Bindings[i].Condition != nil {
			continue
		}
		for _, m := range p.Bindings[i].Members {
			if m == member {
				return false
			}
		}
		p.Bindings[i].Members = append(p.Bindings[i].Members, member)
		return true
	}
	p.Bindings = append(p.Bindings, Binding{Role: role, Members: []string{member}})
	return true
}

// HasMember reports whether member holds role unconditionally.
func (p *Policy) HasMember(role, member string) bool {
	for _, b := range p.Bindings {
		if b.Role != role || b.Condition != nil {
			continue
		}
		for _, m := range b.Members {
			if m == member {
				return true
			}
		}
	}
	return false
}
