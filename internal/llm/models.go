package llm

import (
	"strings"
	"unicode"

	"termchat/internal/errx"
)

// AvailableModels содержит список популярных моделей OpenRouter для команды /model.
// Шлюз принимает и другие идентификаторы в формате provider/model-name.
var AvailableModels = []ModelInfo{
	{
		ID:          "openai/gpt-4o-mini",
		Name:        "GPT-4o mini",
		Description: "Fast and inexpensive OpenAI model",
	},
	{
		ID:          "openai/gpt-4o",
		Name:        "GPT-4o",
		Description: "OpenAI flagship model",
	},
	{
		ID:          "anthropic/claude-3.5-sonnet",
		Name:        "Claude 3.5 Sonnet",
		Description: "Strong general model for complex tasks",
	},
	{
		ID:          "google/gemini-2.0-flash-exp:free",
		Name:        "Gemini 2.0 Flash free",
		Description: "Fast Google model (free tier)",
	},
	{
		ID:          "meta-llama/llama-3.3-70b-instruct",
		Name:        "Llama 3.3 70B",
		Description: "Open-weights model from Meta",
	},
	{
		ID:          "deepseek/deepseek-chat",
		Name:        "DeepSeek Chat",
		Description: "Economical model with good quality",
	},
}

// ModelInfo описывает информацию о модели.
type ModelInfo struct {
	ID          string // Идентификатор модели для API
	Name        string // Короткое название для отображения
	Description string // Описание модели
}

// GetModelByID возвращает информацию о модели по её ID.
// Если модель не найдена, возвращает nil.
func GetModelByID(modelID string) *ModelInfo {
	for _, m := range AvailableModels {
		if m.ID == modelID {
			return &m
		}
	}
	return nil
}

// GetModelName возвращает короткое название модели по её ID.
// Если модель не найдена, возвращает сам ID.
func GetModelName(modelID string) string {
	if info := GetModelByID(modelID); info != nil {
		return info.Name
	}
	return modelID
}

// ValidateModelID проверяет формат provider/model-name и возвращает
// идентификатор без пробелов по краям.
func ValidateModelID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errx.Validation("model", "model id is required")
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return "", errx.Validation("model", "model id must not contain whitespace")
	}
	provider, name, ok := strings.Cut(id, "/")
	if !ok || provider == "" || name == "" {
		return "", errx.Validation("model", "expected provider/model-name")
	}
	return id, nil
}
