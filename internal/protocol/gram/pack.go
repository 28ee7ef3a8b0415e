package gram

import "fmt"

// Pack splits units, in order, into as few MTU-bounded Messages as possible.
func Pack(token uint32, units []Unit) ([]Message, error) {
	out := make([]Message, 0, 1)
	cur := Message{Token: token}
	size := HeaderLen
	for _, u := range units {
		n := EncodedLen(u)
		if HeaderLen+n > MTU {
			return nil, fmt.Errorf("%w: %s %d bytes", ErrUnitTooLarge, u.Kind(), n)
		}
		if size+n > MTU {
			out = append(out, cur)
			cur = Message{Token: token}
			size = HeaderLen
		}
		cur.Units = append(cur.Units, u)
		size += n
	}
	if len(cur.Units) > 0 {
		out = append(out, cur)
	}
	return out, nil
}

// Fits reports whether u can be appended to m without exceeding MTU.
func Fits(m Message, u Unit) bool {
	return m.Size()+EncodedLen(u) <= MTU
}
