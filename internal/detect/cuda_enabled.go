//go:build cuda

package detect

import "gocv.io/x/gocv/cuda"

func cudaDeviceCount() int {
	return cuda.GetCudaEnabledDeviceCount()
}
