package model

// CapabilityGrant is one entry of a user's capability table. Hosts may list
// a capability with Granted=false to record an explicit denial.
type CapabilityGrant struct {
	Name    string `json:"name" yaml:"name"`
	Granted bool   `json:"granted" yaml:"granted"`
}

// GrantedCapabilities returns the names of granted capabilities in table
// order.
func GrantedCapabilities(grants []CapabilityGrant) []string {
	out := make([]string, 0, len(grants))
	for _, g := range grants {
		if g.Granted {
			out = append(out, g.Name)
		}
	}
	return out
}
