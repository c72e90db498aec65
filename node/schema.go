package node

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// llmRequestSchema is the strict shape of a decrypted confidential request.
// The api_key value never appears in validation errors.
const llmRequestSchema = `{
  "type": "object",
  "required": ["provider_url", "api_key", "model", "messages"],
  "additionalProperties": false,
  "properties": {
    "provider_url": {"type": "string", "minLength": 1},
    "api_key": {"type": "string", "minLength": 1},
    "model": {"type": "string", "minLength": 1},
    "messages": {
      "type": "array",
      "minItems": 1,
      "maxItems": 100,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "additionalProperties": false,
        "properties": {
          "role": {"type": "string", "enum": ["system", "user", "assistant"]},
          "content": {"type": "string", "maxLength": 1048576}
        }
      }
    },
    "max_tokens": {"type": "integer", "minimum": 1, "maximum": 100000},
    "temperature": {"type": "number", "minimum": 0, "maximum": 2},
    "headers": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "input_attestation_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`

var compiledLLMSchema = gojsonschema.NewStringLoader(llmRequestSchema)

// ChatMessage is one turn of the decrypted request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMRequest is the decrypted confidential request body.
type LLMRequest struct {
	ProviderURL string            `json:"provider_url"`
	APIKey      string            `json:"api_key"`
	Model       string            `json:"model"`
	Messages    []ChatMessage     `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`

	// InputAttestationHash optionally binds an ISM attestation into the
	// receipt's constraints commitment.
	InputAttestationHash string `json:"input_attestation_hash,omitempty"`
}

// parseLLMRequest validates plaintext against the strict schema and decodes
// it. The returned error summary never includes header or api_key values.
func parseLLMRequest(plaintext []byte) (*LLMRequest, error) {
	result, err := gojsonschema.Validate(compiledLLMSchema, gojsonschema.NewBytesLoader(plaintext))
	if err != nil {
		return nil, fmt.Errorf("request is not valid JSON")
	}
	if !result.Valid() {
		fields := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			fields = append(fields, e.Field()+": "+e.Description())
		}
		return nil, fmt.Errorf("schema validation failed: %s", strings.Join(fields, "; "))
	}

	var req LLMRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return nil, fmt.Errorf("request decode failed")
	}

	u, err := url.Parse(req.ProviderURL)
	if err != nil || u.Scheme != "https" || u.Hostname() == "" {
		return nil, fmt.Errorf("provider_url must be an https URL")
	}
	return &req, nil
}

// committedInputs is the canonical subset the inputs commitment covers. The
// api_key is excluded so third parties can reproduce the commitment.
func committedInputs(req *LLMRequest) map[string]interface{} {
	messages := make([]interface{}, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]interface{}{"role": m.Role, "content": m.Content}
	}
	return map[string]interface{}{
		"provider_url": req.ProviderURL,
		"model":        req.Model,
		"messages":     messages,
	}
}
