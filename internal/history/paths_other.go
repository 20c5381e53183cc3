//go:build !unix

package history

import "os"

// Без O_NOFOLLOW остаются Lstat до открытия и SameFile после.
func openNoFollow(path string) (*os.File, error) {
	return os.Open(path)
}

func isSymlinkError(error) bool { return false }
