package errx

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"termchat/internal/redact"
)

func TestKindRetryable(t *testing.T) {
	retryable := map[Kind]bool{
		KindNetwork:          true,
		KindTimeout:          true,
		KindServerError:      true,
		KindRateLimited:      true,
		KindUnauthorized:     false,
		KindProtocol:         false,
		KindValidation:       false,
		KindSecurity:         false,
		KindConversationLoad: false,
	}
	for kind, want := range retryable {
		if got := kind.Retryable(); got != want {
			t.Errorf("%s: retryable=%v, want %v", kind, got, want)
		}
	}
}

func TestServiceErrorIsSanitized(t *testing.T) {
	const key = "or-live-0123456789abcdef"
	err := Service(redact.New(key), KindUnauthorized, 401, "bad key "+key+"\n", io.EOF)

	if strings.Contains(err.Error(), key) {
		t.Fatalf("key leaked: %q", err.Error())
	}
	if strings.ContainsAny(err.Error(), "\n\r") {
		t.Fatalf("control characters leaked: %q", err.Error())
	}
	if !strings.HasPrefix(err.Error(), "invalid API key (status 401)") {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("cause must stay reachable")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{err: nil, want: ""},
		{err: errors.New("plain"), want: ""},
		{err: Validation("content", "empty"), want: KindValidation},
		{err: fmt.Errorf("save: %w", Security("../x", "path escapes history root")), want: KindSecurity},
		{err: Configuration("MAX_HISTORY_SIZE", "too large"), want: KindConfiguration},
		{err: ConversationLoad("a.json", "not valid JSON", io.ErrUnexpectedEOF), want: KindConversationLoad},
		{err: fmt.Errorf("send: %w", Service(nil, KindRateLimited, 429, "", nil)), want: KindRateLimited},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Service(nil, KindServerError, 503, "", nil)) {
		t.Fatalf("5xx must be retryable")
	}
	if Retryable(Service(nil, KindProtocol, 400, "", nil)) {
		t.Fatalf("4xx must not be retryable")
	}
	if Retryable(Validation("messages", "empty")) {
		t.Fatalf("validation errors are never retried")
	}
}
