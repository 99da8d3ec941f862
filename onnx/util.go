package onnx

import (
	"runtime"

	"github.com/pkg/errors"
)

// SharedLibPath returns the bundled ONNX Runtime library for the current
// platform.
func SharedLibPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if runtime.GOARCH == "amd64" {
			return "../third_party/onnxruntime.dll", nil
		}
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "../third_party/onnxruntime_arm64.dylib", nil
		}
		if runtime.GOARCH == "amd64" {
			return "../third_party/onnxruntime_amd64.dylib", nil
		}
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "../third_party/onnxruntime_arm64.so", nil
		}
		return "../third_party/onnxruntime.so", nil
	}
	return "", errors.Errorf("no onnxruntime library for %s/%s", runtime.GOOS, runtime.GOARCH)
}

// shapeOf converts a tensor shape to the runtime's int64 form.
func shapeOf(dims []int) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		out[i] = int64(d)
	}
	return out
}

func numel(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
