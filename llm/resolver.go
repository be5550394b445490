package llm

import (
	"fmt"
	"os"
	"strings"
)

// Resolve turns a "provider:model" string into a Client and the bare model
// name. Supported providers are "openai" (OPENAI_API_KEY, optional
// OPENAI_BASE_URL) and "ollama" (OLLAMA_BASE_URL). A spec without a known
// provider prefix is treated as an Ollama model name.
func Resolve(spec string) (Client, string, error) {
	if spec == "" {
		return nil, "", fmt.Errorf("model spec is empty")
	}
	provider, model, found := strings.Cut(spec, ":")
	if !found {
		provider, model = "", spec
	}

	switch provider {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, "", fmt.Errorf("openai provider requires OPENAI_API_KEY")
		}
		return NewOpenAIClient(envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"), key, model), model, nil
	case "ollama":
		return NewOpenAIClient(envOr("OLLAMA_BASE_URL", "http://localhost:11434/v1"), "ollama", model), model, nil
	case "gateway":
		base := os.Getenv("WICK_GATEWAY_URL")
		if base == "" {
			return nil, "", fmt.Errorf("gateway provider requires WICK_GATEWAY_URL")
		}
		return NewOpenAIClient(base, os.Getenv("WICK_GATEWAY_KEY"), model), model, nil
	default:
		// e.g. "llama3.1:8b"
		return NewOpenAIClient(envOr("OLLAMA_BASE_URL", "http://localhost:11434/v1"), "ollama", spec), spec, nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
