package mesh

// Role decides who yields when both ends of a pair offer at once.
type Role int

const (
	Impolite Role = iota
	Polite
)

func (r Role) String() string {
	if r == Polite {
		return "polite"
	}
	return "impolite"
}

// RoleFor computes self's role against remote from the two ids alone. Both
// ends evaluate the same byte-wise order, so the pair always ends up with one
// polite and one impolite side without exchanging a message. Equal ids have no
// valid role; the registry never builds a negotiator for its own id.
func RoleFor(self, remote string) Role {
	if self > remote {
		return Polite
	}
	return Impolite
}
