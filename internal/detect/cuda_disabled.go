//go:build !cuda

package detect

// Without the cuda build tag gocv is linked against OpenCV without its CUDA
// modules, so there is never a device to run on.
func cudaDeviceCount() int {
	return 0
}
