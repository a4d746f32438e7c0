//go:build !unix

package report

import "os"

// Key bundles are not locked across processes on this platform.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
