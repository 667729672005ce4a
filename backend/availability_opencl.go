//go:build opencl

package backend

func Has(name string) bool {
	switch name {
	case CPU, BlackCL, GoOpenCL:
		return true
	default:
		return false
	}
}
