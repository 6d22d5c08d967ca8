//go:build debug_kmem

package kmem

import "fmt"

// DebugBuild is true when the debug_kmem build tag is present. Programming
// errors such as double frees halt the kernel in debug builds instead of
// being logged and tolerated.
const DebugBuild = true

// DebugValidate will call Validate on the provided object and panics if any
// errors are returned. This method no-ops unless the debug_kmem build tag is
// present.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of
// two, and panics if it is not. This method no-ops unless the debug_kmem
// build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2(value, name)
	if err != nil {
		panic(err)
	}
}

// DebugFatalf reports a programming error (double free, conflicting map)
// detected at runtime. Debug builds halt immediately so the bug surfaces at
// its source; without the debug_kmem tag this no-ops and the caller logs and
// carries on.
func DebugFatalf(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
