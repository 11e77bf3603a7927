package klogging

import "os"

var currentOsExit = os.Exit

func OsExit(code int) {
	currentOsExit(code)
}

// RunWithOsExit swaps the exit hook for the duration of fn (for tests of fatal paths).
func RunWithOsExit(exit func(code int), fn func()) {
	old := currentOsExit
	currentOsExit = exit
	defer func() {
		currentOsExit = old
	}()
	fn()
}
