package domain

// CapabilityInference is required to submit or delete jobs.
const CapabilityInference = "inference"

// Identity is the verified caller extracted from a bearer token. Admin
// identities implicitly hold every capability.
type Identity struct {
	Subject      string
	Capabilities []string
	Admin        bool
}

// HasCapability reports whether the identity may use the named capability.
func (i Identity) HasCapability(capability string) bool {
	if i.Admin {
		return true
	}
	for _, c := range i.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
