package state

// HeightGet returns the current ledger height. A fresh ledger reports 0.
func (m *Manager) HeightGet() (uint64, error) {
	var height uint64
	if _, err := m.KVGet(heightKeyBytes, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// HeightSet stores the ledger height register.
func (m *Manager) HeightSet(height uint64) error {
	return m.KVPut(heightKeyBytes, height)
}

// HeightAdvance increments the ledger height register and returns the new
// value.
func (m *Manager) HeightAdvance() (uint64, error) {
	height, err := m.HeightGet()
	if err != nil {
		return 0, err
	}
	height++
	if err := m.HeightSet(height); err != nil {
		return 0, err
	}
	return height, nil
}
