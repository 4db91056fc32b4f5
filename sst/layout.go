package sst

import (
	"fmt"
	"path/filepath"
)

// Dir returns baseDir/sst/L{level}, the on-disk directory for a level's
// SSTs, per §6's filesystem layout.
func Dir(baseDir string, level int) string {
	return filepath.Join(baseDir, "sst", fmt.Sprintf("L%d", level))
}

// Path returns the full path of file within level's directory.
func Path(baseDir string, level int, file string) string {
	return filepath.Join(Dir(baseDir, level), file)
}
