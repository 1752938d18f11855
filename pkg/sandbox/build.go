package sandbox

import (
	"errors"
	"path/filepath"
	"runtime"
)

const (
	// BuildDirectoryName is the name of the build directory created inside
	// the root of the source tree.
	BuildDirectoryName = "build"
)

// SourceTreePath computes the path to the source directory from the
// location of this file at build time.
func SourceTreePath() (string, error) {
	_, filePath, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.New("unable to compute file path")
	}
	return filepath.Dir(filepath.Dir(filepath.Dir(filePath))), nil
}
