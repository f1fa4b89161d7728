package vmem

import "unsafe"

// uintptrOf and pointerFromUintptr convert between a quantum cache
// object pointer and the numeric address an Arena hands out as a
// Range.Base. A quantum-cache-backed allocation's "address" is simply
// the real Go address of its backing byte, same as any other Go-managed
// object (see quantumCacheSource in quantum.go).
func uintptrOf(p unsafe.Pointer) uintptr { return uintptr(p) }

func pointerFromUintptr(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) } //nolint:govet
