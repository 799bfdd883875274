package ledger

// Truncate drops every stored event after the first n.
func (s *MemoryStore) Truncate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < len(s.events) {
		s.events = s.events[:n]
	}
}
