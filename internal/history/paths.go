package history

import (
	"os"
	"path/filepath"
	"strings"

	"termchat/internal/errx"
)

const fileExt = ".json"

// resolve превращает имя, полученное от пользователя, в путь внутри корня.
// Имена с разделителями, "..", NUL или абсолютные пути отклоняются целиком,
// остальные символы вне [A-Za-z0-9._-] заменяются на "_".
func (s *Store) resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", errx.Validation("filename", "name is empty")
	case strings.ContainsAny(name, `/\`):
		return "", errx.Security(name, "path separators are not allowed")
	case strings.Contains(name, ".."):
		return "", errx.Security(name, "parent directory references are not allowed")
	case strings.ContainsRune(name, 0):
		return "", errx.Security(name, "NUL bytes are not allowed")
	case filepath.IsAbs(name) || filepath.VolumeName(name) != "":
		return "", errx.Security(name, "absolute paths are not allowed")
	}

	clean := strings.TrimLeft(sanitize(name), ".")
	if clean == "" || clean == strings.TrimPrefix(fileExt, ".") {
		return "", errx.Validation("filename", "name has no usable characters")
	}
	if !strings.HasSuffix(strings.ToLower(clean), fileExt) {
		clean += fileExt
	}

	path := filepath.Join(s.root, clean)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel != clean {
		return "", errx.Security(name, "path escapes history directory")
	}
	return path, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}

// inspect проверяет путь без перехода по ссылкам. Отсутствующий файл не
// ошибка: info будет nil.
func inspect(name, path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, errx.Security(name, "target is a symbolic link")
	}
	if !info.Mode().IsRegular() {
		return nil, errx.Security(name, "target is not a regular file")
	}
	return info, nil
}
