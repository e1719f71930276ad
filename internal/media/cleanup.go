package media

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
)

// Cleanup removes a downloaded file. Failures are logged, never returned:
// callers run it on every exit path.
func Cleanup(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("media: remove downloaded file", "path", path, "err", err)
	}
}
