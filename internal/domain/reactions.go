package domain

// Reactions maps an emoji to the wallet addresses that reacted with it.
// Entries with an empty set are removed rather than kept as empty lists.
// Updates are whole-map last-writer-wins; no merge protocol exists, so
// concurrent toggles from two devices can lose one of the writes.
type Reactions map[string][]string

// Toggle flips wallet's membership in the emoji's address set and returns the
// updated map, leaving the receiver untouched. Toggling twice returns to the
// original state.
func (r Reactions) Toggle(emoji, wallet string) Reactions {
	out := r.clone()
	current := out[emoji]
	next := make([]string, 0, len(current)+1)
	found := false
	for _, addr := range current {
		if addr == wallet {
			found = true
			continue
		}
		next = append(next, addr)
	}
	if !found {
		next = append(next, wallet)
	}
	if len(next) == 0 {
		delete(out, emoji)
	} else {
		out[emoji] = next
	}
	return out
}

// Has reports whether wallet reacted with emoji.
func (r Reactions) Has(emoji, wallet string) bool {
	for _, addr := range r[emoji] {
		if addr == wallet {
			return true
		}
	}
	return false
}

func (r Reactions) clone() Reactions {
	out := make(Reactions, len(r))
	for emoji, addrs := range r {
		out[emoji] = append([]string(nil), addrs...)
	}
	return out
}
