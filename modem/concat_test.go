package modem_test

// sliceConcat mirrors slices.Concat from the Go 1.22 standard library,
// which is unavailable on the Go 1.21 toolchain used to build this module.
func sliceConcat[S ~[]E, E any](ss ...S) S {
	size := 0
	for _, s := range ss {
		size += len(s)
		if size < 0 {
			panic("len out of range")
		}
	}
	newslice := make(S, 0, size)
	for _, s := range ss {
		newslice = append(newslice, s...)
	}
	return newslice
}
