package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowforge/enginecore/internal/errtaxonomy"
	"github.com/flowforge/enginecore/internal/workflow"
)

const aiRequestTimeout = 5 * time.Minute

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// AIHandler issues an OpenAI-compatible chat completion request against a
// locally hosted model server, per spec §4.3's ai step contract.
type AIHandler struct {
	baseURL string
	client  *http.Client
}

func NewAIHandler(lmStudioURL string) *AIHandler {
	return &AIHandler{
		baseURL: strings.TrimSuffix(lmStudioURL, "/"),
		client:  &http.Client{Timeout: aiRequestTimeout},
	}
}

func (h *AIHandler) Execute(ctx context.Context, _ *workflow.Step, resolvedInput any, _ map[string]any) (any, error) {
	cfg, ok := resolvedInput.(map[string]any)
	if !ok {
		return nil, validationError("INVALID_CONFIG", "ai step config must be an object", nil)
	}

	prompt, _ := cfg["prompt"].(string)
	if prompt == "" {
		return nil, validationError("MISSING_PROMPT", "ai step requires a non-empty prompt", nil)
	}

	model, _ := cfg["model"].(string)
	if model == "" {
		model = "local-model"
	}

	outputKey, _ := cfg["outputKey"].(string)
	if outputKey == "" {
		outputKey = "result"
	}

	reqCtx, cancel := context.WithTimeout(ctx, aiRequestTimeout)
	defer cancel()

	payload, err := json.Marshal(chatCompletionRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, validationError("INVALID_PROMPT", err.Error(), nil)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, validationError("INVALID_REQUEST", err.Error(), nil)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, classifyAIError(err)
	}

	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientError("AI_UNAVAILABLE", err.Error(), nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		classified := errtaxonomy.ClassifyHTTPError(resp.StatusCode)
		classified.Details = map[string]any{"status": resp.StatusCode, "body": string(rawBody)}

		return nil, classified
	}

	var decoded chatCompletionResponse
	if err := json.Unmarshal(rawBody, &decoded); err != nil {
		return nil, transientError("AI_UNAVAILABLE", "malformed model server response: "+err.Error(), nil)
	}

	if len(decoded.Choices) == 0 {
		return nil, transientError("AI_NO_RESPONSE", "model server returned zero completion choices", nil)
	}

	return map[string]any{
		outputKey: decoded.Choices[0].Message.Content,
		"_meta":   map[string]any{"usage": decoded.Usage},
	}, nil
}

func classifyAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return transientError("AI_TIMEOUT", err.Error(), nil)
	}

	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "ECONNREFUSED") {
		return transientError("AI_UNAVAILABLE", msg, nil)
	}

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "Timeout") {
		return transientError("AI_TIMEOUT", msg, nil)
	}

	return transientError("AI_UNAVAILABLE", msg, nil)
}
