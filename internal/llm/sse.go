package llm

import (
	"bufio"
	"bytes"
	"io"
)

const (
	maxEventLine  = 1 << 20
	doneSentinel  = "[DONE]"
	initialBuffer = 64 * 1024
)

// sseDecoder выдаёт полезную нагрузку строк "data:". Пустые строки,
// комментарии и прочие поля события пропускаются.
type sseDecoder struct {
	scanner *bufio.Scanner
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, initialBuffer), maxEventLine)
	return &sseDecoder{scanner: s}
}

// Next возвращает следующую полезную нагрузку или io.EOF. Слишком длинная
// строка даёт bufio.ErrTooLong.
func (d *sseDecoder) Next() (string, error) {
	for d.scanner.Scan() {
		line := bytes.TrimRight(d.scanner.Bytes(), "\r")
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		return string(bytes.TrimSpace(data)), nil
	}
	if err := d.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
