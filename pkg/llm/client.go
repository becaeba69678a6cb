// Package llm abstracts the chat-completion provider behind a small client
// interface so engines stay testable without network access.
package llm

import "context"

// Message roles on the completion wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request. SystemPrompt, when set,
// is sent ahead of Messages as the system turn.
type Request struct {
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	Temperature  *float64  `json:"temperature,omitempty"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
}

// Response carries the generated text plus accounting fields.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Client generates completions. Implementations must be safe for concurrent
// use; one client is shared by every in-flight event of a worker.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Model() string
}

// Config selects and tunes a provider. It is embedded in agent templates, so
// the yaml tags are part of the template schema.
type Config struct {
	Provider    string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	BaseURL     string   `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeyEnv   string   `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
}
