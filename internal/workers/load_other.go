//go:build !linux

package workers

// SystemLoad is not available on this platform; a zero load keeps the
// adaptive limit at the CPU count.
func SystemLoad() (float64, error) {
	return 0, nil
}
