package entities

// PackageSpec describes the wrapper package that carries the upstream binary
type PackageSpec struct {
	Name     string // distribution name, e.g. "treefmt-pre-commit"
	Summary  string
	HomePage string
	License  string
	Revision int // optional wrapper revision appended as a fourth version component
}

// WheelSpec is everything the packager needs to lay out one wheel
type WheelSpec struct {
	Package     PackageSpec
	Version     string
	PlatformTag string
	BinaryName  string
}
