package engine

import "os/exec"

// Device is the compute backend the model runs on.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// ResolveDevice maps a configured preference to a concrete device. "auto" picks CUDA
// when the NVIDIA driver tools are on PATH. lookPath defaults to exec.LookPath.
func ResolveDevice(pref string, lookPath func(string) (string, error)) Device {
	switch pref {
	case string(DeviceCPU):
		return DeviceCPU
	case string(DeviceCUDA):
		return DeviceCUDA
	}
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath("nvidia-smi"); err == nil {
		return DeviceCUDA
	}
	return DeviceCPU
}
