//go:build !linux

package memory

// alloc falls back to a plain heap allocation on targets without a
// usable anonymous-mapping path.
func alloc(size uint64) ([]byte, func() error, error) {
	if size == 0 {
		return nil, nil, nil
	}
	return make([]byte, size), nil, nil
}
