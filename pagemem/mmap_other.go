//go:build !linux

package pagemem

func mapAnonymous(length int) ([]byte, error) { return make([]byte, length), nil }

func unmap([]byte) error { return nil }
