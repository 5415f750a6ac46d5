package rdma

import "unsafe"

// addrOf returns the start address of a non-empty byte slice for memory
// registration and handshake advertisement.
func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
