package queue

// assertLocked checks that m.mu is held by someone. A successful TryLock
// means nobody held it, so the caller is mutating outside the lock.
//
// Debug builds (-tags debug) panic. Release builds log and return false so
// the caller skips the mutation instead of corrupting order.
func (m *Manager) assertLocked(op string) bool {
	if !m.mu.TryLock() {
		return true
	}
	m.mu.Unlock()

	err := &InvariantError{Op: op}
	if panicOnInvariant {
		panic(err)
	}
	m.logger.Error("invariant violation, mutation skipped", "op", op, "error", err)
	return false
}
