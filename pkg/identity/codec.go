package identity

import "fmt"

var adjectives = []string{"swift", "calm", "clever", "bold", "quirky", "bright", "wise", "keen", "sharp", "witty"}

var animals = []string{"otter", "lynx", "panda", "falcon", "koala", "fox", "wolf", "eagle", "tiger", "bear"}

// Session is the derived identity of one pairing, seen from one side.
type Session struct {
	ID          string // canonical session id, identical for both sides
	UserName    string // pseudonym of the first argument passed to Derive
	PartnerName string // pseudonym of the second argument passed to Derive
}

// Derive computes the session id and both pseudonyms for users a and b.
//
// Derive(a, b) and Derive(b, a) share the same ID with UserName and
// PartnerName swapped.
func Derive(a, b string) Session {
	p := NewPair(a, b)
	nameLow := Pseudonym(NewGenerator(p.seed("A")))
	nameHigh := Pseudonym(NewGenerator(p.seed("B")))

	if a == p.Low {
		return Session{ID: p.SessionID(), UserName: nameLow, PartnerName: nameHigh}
	}
	return Session{ID: p.SessionID(), UserName: nameHigh, PartnerName: nameLow}
}

// NameFor returns the pseudonym assigned to user within the pairing with other.
func NameFor(user, other string) string {
	return Derive(user, other).UserName
}

// Pseudonym draws an adjective, an animal and a two-digit number from g.
func Pseudonym(g *Generator) string {
	adj := adjectives[g.Intn(len(adjectives))]
	animal := animals[g.Intn(len(animals))]
	num := int(g.Float64()*90 + 10)
	return fmt.Sprintf("%s_%s_%d", adj, animal, num)
}
