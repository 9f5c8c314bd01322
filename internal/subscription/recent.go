package subscription

// recentSet remembers the last n ids it was shown.
type recentSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newRecentSet(n int) *recentSet {
	if n <= 0 {
		return nil
	}
	return &recentSet{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

// Seen records id and reports whether it was already present. A nil set
// never reports duplicates.
func (r *recentSet) Seen(id string) bool {
	if r == nil {
		return false
	}
	if _, ok := r.ids[id]; ok {
		return true
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.ids, old)
	}
	r.ring[r.next] = id
	r.ids[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return false
}
