package outbound

import (
	"encoding/json"
	"errors"
	"strings"
)

// provider selects the request shape and header conventions for a host.
// Anthropic gets the Messages shape; everything else speaks the
// OpenAI-compatible chat-completions shape.
type provider int

const (
	providerOpenAICompatible provider = iota
	providerAnthropic
)

func detectProvider(host string) provider {
	if strings.Contains(host, "anthropic.com") {
		return providerAnthropic
	}
	return providerOpenAICompatible
}

func (p provider) shape(req *Request) (body []byte, headers map[string]string, err error) {
	switch p {
	case providerAnthropic:
		return shapeAnthropic(req)
	default:
		return shapeOpenAI(req)
	}
}

func (p provider) parse(raw []byte) (*Response, error) {
	switch p {
	case providerAnthropic:
		return parseAnthropic(raw)
	default:
		return parseOpenAI(raw)
	}
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

func shapeOpenAI(req *Request) ([]byte, map[string]string, error) {
	body, err := json.Marshal(openAIRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, nil, err
	}
	return body, map[string]string{
		"Authorization": "Bearer " + req.APIKey,
	}, nil
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func parseOpenAI(raw []byte) (*Response, error) {
	var r openAIResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if len(r.Choices) == 0 {
		return nil, errors.New("response has no choices")
	}
	return &Response{
		Text:  r.Choices[0].Message.Content,
		Model: r.Model,
		Usage: Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		},
	}, nil
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// shapeAnthropic lifts system messages out of the message list into the
// top-level system field, as the Messages API requires.
func shapeAnthropic(req *Request) ([]byte, map[string]string, error) {
	var system []string
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, m)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       req.Model,
		System:      strings.Join(system, "\n"),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, nil, err
	}
	return body, map[string]string{
		"x-api-key":         req.APIKey,
		"anthropic-version": "2023-06-01",
	}, nil
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseAnthropic(raw []byte) (*Response, error) {
	var r anthropicResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	var text strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 && len(r.Content) == 0 {
		return nil, errors.New("response has no content")
	}
	return &Response{
		Text:  text.String(),
		Model: r.Model,
		Usage: Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		},
	}, nil
}
