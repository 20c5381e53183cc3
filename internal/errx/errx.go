// Package errx общая классификация ошибок для клиента, хранилища истории и
// конфигурации.
package errx

import (
	"errors"
	"fmt"
	"time"

	"termchat/internal/redact"
)

// Kind вид ошибки, который видит пользователь.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindSecurity         Kind = "security"
	KindConfiguration    Kind = "configuration"
	KindConversationLoad Kind = "conversation_load"
	KindUnauthorized     Kind = "unauthorized"
	KindRateLimited      Kind = "rate_limited"
	KindServerError      Kind = "server_error"
	KindNetwork          Kind = "network"
	KindTimeout          Kind = "timeout"
	KindProtocol         Kind = "protocol"
)

// Retryable: имеет ли смысл повторять запрос после такой ошибки.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServerError, KindRateLimited:
		return true
	default:
		return false
	}
}

var serviceMessages = map[Kind]string{
	KindUnauthorized: "invalid API key",
	KindRateLimited:  "rate limit exceeded",
	KindServerError:  "gateway server error",
	KindNetwork:      "could not reach the gateway",
	KindTimeout:      "request timed out",
	KindProtocol:     "unexpected gateway response",
}

// ValidationError некорректный ввод: форма или размер.
type ValidationError struct {
	Field  string
	Reason string
}

func Validation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: redact.StripControl(reason)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SecurityError путь выходит за каталог истории или указывает на ссылку.
type SecurityError struct {
	Name   string
	Reason string
}

func Security(name, reason string) *SecurityError {
	return &SecurityError{Name: redact.Truncate(redact.StripControl(name), 80), Reason: reason}
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("refused %q: %s", e.Name, e.Reason)
}

// ConfigurationError неверная настройка при запуске.
type ConfigurationError struct {
	Key    string
	Reason string
}

func Configuration(key, reason string) *ConfigurationError {
	return &ConfigurationError{Key: key, Reason: redact.StripControl(reason)}
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Reason)
}

// ConversationLoadError сохранённую историю нельзя использовать.
type ConversationLoadError struct {
	Filename string
	Reason   string
	Err      error
}

func ConversationLoad(filename, reason string, err error) *ConversationLoadError {
	return &ConversationLoadError{Filename: redact.StripControl(filename), Reason: reason, Err: err}
}

func (e *ConversationLoadError) Error() string {
	return fmt.Sprintf("cannot load %s: %s", e.Filename, e.Reason)
}

func (e *ConversationLoadError) Unwrap() error {
	return e.Err
}

// ServiceError сбой шлюза или транспорта. Message всегда очищен. Err
// хранит исходную причину только для errors.Is и не печатается.
type ServiceError struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

// Service собирает ServiceError, detail проходит через r.
func Service(r *redact.Redactor, kind Kind, status int, detail string, cause error) *ServiceError {
	e := &ServiceError{Kind: kind, Status: status, Err: cause}
	if detail != "" {
		e.Message = r.Detail(detail)
	}
	return e
}

func (e *ServiceError) Error() string {
	msg, ok := serviceMessages[e.Kind]
	if !ok {
		msg = string(e.Kind)
	}
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// KindOf вид ошибки или "", если err вне классификации.
func KindOf(err error) Kind {
	var (
		validation *ValidationError
		security   *SecurityError
		config     *ConfigurationError
		load       *ConversationLoadError
		service    *ServiceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &service):
		return service.Kind
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &security):
		return KindSecurity
	case errors.As(err, &load):
		return KindConversationLoad
	case errors.As(err, &config):
		return KindConfiguration
	default:
		return ""
	}
}

// Retryable: стоит ли повторить запрос после err.
func Retryable(err error) bool {
	var service *ServiceError
	if errors.As(err, &service) {
		return service.Kind.Retryable()
	}
	return false
}
