//go:build !linux

package secret

// Core dump exclusion is Linux-only; the region is still locked and zeroed.
func excludeFromCoreDump([]byte) error {
	return nil
}
