//go:build unix

package history

import (
	"errors"
	"os"
	"syscall"
)

// openNoFollow открывает файл на чтение и не идёт по символической ссылке
// в последнем элементе пути.
func openNoFollow(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
}

func isSymlinkError(err error) bool {
	return errors.Is(err, syscall.ELOOP)
}
