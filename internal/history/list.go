package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry краткое описание сохранённого файла.
type Entry struct {
	Name      string
	Timestamp time.Time
	Model     string
	Size      int64
}

// List перечисляет сохранённые истории в порядке имён. Читается только
// заголовок файла (version, model, created_at), сообщения не разбираются.
// Каждый вызов заново читает каталог; нечитаемые файлы пропускаются.
func (s *Store) List() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		dirEntries, err := os.ReadDir(s.root)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				yield(Entry{}, fmt.Errorf("read history dir: %w", err))
			}
			return
		}

		for _, de := range dirEntries {
			name := de.Name()
			if !de.Type().IsRegular() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
				continue
			}
			entry, err := s.readHeader(name)
			if err != nil {
				s.logger.Debug("skipping history file", slog.String("file", name), slog.String("error", err.Error()))
				continue
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

type header struct {
	Version   int       `json:"version"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) readHeader(name string) (Entry, error) {
	path := filepath.Join(s.root, name)
	info, err := inspect(name, path)
	if err != nil {
		return Entry{}, err
	}
	if info == nil {
		return Entry{}, os.ErrNotExist
	}

	f, err := openNoFollow(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	h, err := decodeHeader(io.LimitReader(f, s.maxFileSize))
	if err != nil {
		return Entry{}, err
	}
	if h.Version != RecordVersion {
		return Entry{}, fmt.Errorf("unsupported version %d", h.Version)
	}
	return Entry{Name: name, Timestamp: h.CreatedAt, Model: h.Model, Size: info.Size()}, nil
}

// decodeHeader читает поля верхнего уровня по одному и останавливается, как
// только все три поля заголовка найдены. Другие поля пропускаются.
func decodeHeader(r io.Reader) (header, error) {
	dec := json.NewDecoder(r)
	var h header

	tok, err := dec.Token()
	if err != nil {
		return h, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return h, errors.New("record is not a JSON object")
	}

	var seenVersion, seenModel, seenCreated bool
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return h, err
		}
		key, _ := tok.(string)
		switch key {
		case "version":
			err = dec.Decode(&h.Version)
			seenVersion = true
		case "model":
			err = dec.Decode(&h.Model)
			seenModel = true
		case "created_at":
			err = dec.Decode(&h.CreatedAt)
			seenCreated = true
		default:
			var skip json.RawMessage
			err = dec.Decode(&skip)
		}
		if err != nil {
			return h, err
		}
		if seenVersion && seenModel && seenCreated {
			return h, nil
		}
	}
	if !seenVersion {
		return h, errors.New("record has no version")
	}
	return h, nil
}
