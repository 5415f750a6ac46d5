//go:build !rdma_hw

package rdma

// NewBackend returns the verbs backend selected by build tags. Default
// builds run on the simulated in-process fabric; build with -tags rdma_hw
// for libibverbs hardware support.
func NewBackend() Backend { return NewSimulatedBackend() }
