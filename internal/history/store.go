// Package history хранит историю диалога в памяти и сохраняет её в JSON-файлы
// внутри одного каталога.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"termchat/internal/errx"
	"termchat/internal/llm"
)

const (
	// RecordVersion текущая версия формата файла истории.
	RecordVersion = 1

	DefaultRoot        = "history"
	DefaultMaxFileSize = 10 << 20

	defaultNameLayout = "history_20060102_150405"
)

// Record формат файла истории. Системное сообщение не сохраняется.
type Record struct {
	Version   int           `json:"version"`
	Model     string        `json:"model"`
	CreatedAt time.Time     `json:"created_at"`
	Messages  []llm.Message `json:"messages"`
}

type Options struct {
	Root         string
	SystemPrompt string
	Limits       llm.Limits
	MaxFileSize  int64
	// Model возвращает текущую модель для записи в файл.
	Model  func() string
	Now    func() time.Time
	Logger *slog.Logger
}

// Store история диалога с сохранением на диск.
type Store struct {
	*Conversation

	root        string
	maxFileSize int64
	model       func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewStore(opts Options) (*Store, error) {
	root := opts.Root
	if root == "" {
		root = DefaultRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errx.Configuration("HISTORY_DIR", err.Error())
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Model == nil {
		opts.Model = func() string { return "" }
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		Conversation: NewConversation(opts.SystemPrompt, opts.Limits, opts.Now),
		root:         filepath.Clean(abs),
		maxFileSize:  opts.MaxFileSize,
		model:        opts.Model,
		now:          opts.Now,
		logger:       opts.Logger,
	}, nil
}

// Root абсолютный путь каталога истории.
func (s *Store) Root() string {
	return s.root
}

// Save записывает историю в файл и возвращает его путь. Пустое имя заменяется
// на history_YYYYMMDD_HHMMSS.
func (s *Store) Save(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		name = s.now().Format(defaultNameLayout)
	}
	path, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return "", fmt.Errorf("create history dir: %w", err)
	}
	if _, err := inspect(name, path); err != nil {
		return "", err
	}

	record := Record{
		Version:   RecordVersion,
		Model:     s.model(),
		CreatedAt: s.now().UTC(),
		Messages:  s.History(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	if err := writeAtomic(s.root, path, data); err != nil {
		return "", err
	}

	s.logger.Info("history saved",
		slog.String("file", filepath.Base(path)),
		slog.Int("messages", len(record.Messages)))
	return path, nil
}

// Load заменяет историю содержимым файла и возвращает число сохранённых
// сообщений после применения лимита. Имя проверяется до открытия файла.
func (s *Store) Load(filename string) (int, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return 0, err
	}
	base := filepath.Base(path)

	info, err := inspect(filename, path)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, errx.ConversationLoad(base, "file not found", os.ErrNotExist)
	}
	if info.Size() > s.maxFileSize {
		return 0, errx.ConversationLoad(base, fmt.Sprintf("file is larger than %d bytes", s.maxFileSize), nil)
	}

	data, err := s.readChecked(filename, path, info)
	if err != nil {
		return 0, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return 0, errx.ConversationLoad(base, "not valid JSON", err)
	}
	if record.Version != RecordVersion {
		return 0, errx.ConversationLoad(base, fmt.Sprintf("unsupported version %d", record.Version), nil)
	}
	if err := checkTurns(s.limits, record.Messages); err != nil {
		return 0, errx.ConversationLoad(base, err.Error(), err)
	}

	kept := s.replace(record.Messages)
	s.logger.Info("history loaded",
		slog.String("file", base),
		slog.Int("messages", len(record.Messages)),
		slog.Int("kept", kept))
	return kept, nil
}

// readChecked открывает файл без перехода по ссылке и убеждается, что это
// тот же файл, который проверялся через Lstat.
func (s *Store) readChecked(name, path string, before os.FileInfo) ([]byte, error) {
	base := filepath.Base(path)
	f, err := openNoFollow(path)
	if err != nil {
		if isSymlinkError(err) {
			return nil, errx.Security(name, "target is a symbolic link")
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, errx.ConversationLoad(base, "file not found", err)
		}
		return nil, errx.ConversationLoad(base, "cannot open file", err)
	}
	defer f.Close()

	after, err := f.Stat()
	if err != nil {
		return nil, errx.ConversationLoad(base, "cannot stat file", err)
	}
	if !os.SameFile(before, after) {
		return nil, errx.Security(name, "file was replaced while opening")
	}

	data, err := io.ReadAll(io.LimitReader(f, s.maxFileSize+1))
	if err != nil {
		return nil, errx.ConversationLoad(base, "cannot read file", err)
	}
	if int64(len(data)) > s.maxFileSize {
		return nil, errx.ConversationLoad(base, fmt.Sprintf("file is larger than %d bytes", s.maxFileSize), nil)
	}
	return data, nil
}
