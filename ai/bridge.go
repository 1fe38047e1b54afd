package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Chat identities as shown to clients. The distinct sender names let
// clients style automated messages differently from human chat.
const (
	SenderName  = "AI CONSULTANT 🤖"
	ErrorSender = "AI ERROR"
	ErrorText   = "⚠️ I couldn't process that. Please check your API configuration."
)

const systemPrompt = `You are a Debugging Expert.
Analyze the code and pinpoint the exact line of the error.
Format:
1. **Error Location**: [Line Number]
2. **The Issue**: [Explain why it's failing]
3. **The Fix**: [Provide the corrected code snippet]`

// Request bundles everything the model needs to answer a debugging
// question about the room's current code.
type Request struct {
	Question   string
	Code       string
	Language   string
	LastOutput string
}

// Bridge calls a Groq-compatible chat-completions endpoint. The HTTP
// client timeout bounds every call; the upstream API has no limit of
// its own.
type Bridge struct {
	url    string
	key    string
	model  string
	client *http.Client
}

func New(url, key, model string, timeout time.Duration) *Bridge {
	return &Bridge{
		url:    url,
		key:    key,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Ask sends the bundled question and returns the model's answer.
func (b *Bridge) Ask(ctx context.Context, req Request) (string, error) {
	body := chatRequest{
		Model: b.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf(
				"Language: %s\nTerminal Error: %s\nCode:\n%s\nQuestion: %s",
				req.Language, req.LastOutput, req.Code, req.Question)},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.key)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion API returned %s", resp.Status)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion API returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
