package llm

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// NewFromEnv selects an LLM backend from LLM_BACKEND_TYPE ("openai" or
// "ollama"). Unset defaults to ollama so a fresh deployment works against a
// local model without any cloud credentials.
func NewFromEnv() (Client, error) {
	backend := strings.ToLower(os.Getenv("LLM_BACKEND_TYPE"))
	switch backend {
	case "openai":
		return NewOpenAIClient()
	case "ollama":
		return NewOllamaClient()
	case "":
		slog.Warn("LLM_BACKEND_TYPE not set, defaulting to ollama")
		return NewOllamaClient()
	default:
		return nil, fmt.Errorf("unsupported LLM_BACKEND_TYPE %q (want openai or ollama)", backend)
	}
}
