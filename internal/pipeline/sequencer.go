package pipeline

// sequencer releases out-of-order results strictly by sequence number.
type sequencer[T any] struct {
	next    int
	pending map[int]T
}

func newSequencer[T any]() *sequencer[T] {
	return &sequencer[T]{pending: make(map[int]T)}
}

// add stores v under seq and returns every result that is now in order.
func (s *sequencer[T]) add(seq int, v T) []T {
	if seq < s.next {
		return nil
	}
	s.pending[seq] = v
	var ready []T
	for {
		r, ok := s.pending[s.next]
		if !ok {
			return ready
		}
		delete(s.pending, s.next)
		ready = append(ready, r)
		s.next++
	}
}

// released is the number of results handed out so far.
func (s *sequencer[T]) released() int { return s.next }
