//go:build rdma_hw

package rdma

// NewBackend returns the verbs backend selected by build tags. This build
// binds libibverbs and requires RDMA-capable hardware.
func NewBackend() Backend { return NewHardwareBackend() }
