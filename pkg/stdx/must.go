package stdx

// Must0 panics when err is not nil. It is meant for initialization paths
// where an error leaves the program in an unusable state.
func Must0(err error) {
	if err != nil {
		panic(err)
	}
}

// Must1 returns v, panicking when err is not nil.
func Must1[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
