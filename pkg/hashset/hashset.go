// Package hashset provides a minimal generic set with O(1) membership,
// used to track the union of subscribed instrument ids.
package hashset

type Set[T comparable] map[T]struct{}

func New[T comparable](vals ...T) Set[T] {
	s := make(Set[T], len(vals))
	for _, v := range vals {
		s.Add(v)
	}
	return s
}

func (s Set[T]) Add(v T) {
	s[v] = struct{}{}
}

func (s Set[T]) Delete(v T) {
	delete(s, v)
}

func (s Set[T]) Contains(v T) bool {
	_, ok := s[v]
	return ok
}

func (s Set[T]) Len() int {
	return len(s)
}

// Values returns the elements in unspecified order.
func (s Set[T]) Values() []T {
	vals := make([]T, 0, len(s))
	for v := range s {
		vals = append(vals, v)
	}
	return vals
}

func (s Set[T]) Clone() Set[T] {
	c := make(Set[T], len(s))
	for v := range s {
		c.Add(v)
	}
	return c
}
