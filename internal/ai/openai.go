package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/models"
)

const systemPrompt = "You are an assessment analyst for a vocational training center. " +
	"You review scored test sessions and write concise, actionable feedback for advisors. " +
	"Respond with ONLY valid JSON."

type ChatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []ChatCompletionMessage `json:"messages"`
	Stream      bool                    `json:"stream"`
	Temperature *float64                `json:"temperature,omitempty"`
	MaxTokens   *int                    `json:"max_tokens,omitempty"`
}

type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionResponse struct {
	Choices []struct {
		Message ChatCompletionMessage `json:"message"`
	} `json:"choices"`
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

func (c *OpenAIClient) Name() string      { return "openai-compatible" }
func (c *OpenAIClient) ModelName() string { return c.model }

func (c *OpenAIClient) Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	messages := []ChatCompletionMessage{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildAnalysisPrompt(req.Definition, req.Session),
		},
	}

	temperature := 0.2
	request := ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Stream:      false,
		Temperature: &temperature,
	}

	response, err := c.sendChatRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 {
		return nil, &ProviderError{Message: "empty response from provider", Transient: false}
	}

	return parseAnalysisResponse(response.Choices[0].Message.Content)
}

func (c *OpenAIClient) sendChatRequest(ctx context.Context, request ChatCompletionRequest) (*ChatCompletionResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" && c.apiKey != "none" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Message: "failed to read response: " + err.Error(), Transient: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var response ChatCompletionResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, &ProviderError{Message: "failed to decode response: " + err.Error(), Transient: false}
	}
	return &response, nil
}

type analysisPayload struct {
	Strengths       []string           `json:"strengths"`
	Weaknesses      []string           `json:"weaknesses"`
	Recommendations []string           `json:"recommendations"`
	Confidence      float64            `json:"confidence"`
	Flags           []string           `json:"flags"`
	FreeTextGrades  map[string]float64 `json:"freeTextGrades"`
}

func parseAnalysisResponse(content string) (*AnalysisResult, error) {
	cleaned, err := cleanJSONResponse(content)
	if err != nil {
		return nil, &ProviderError{Message: err.Error(), Transient: false}
	}

	var payload analysisPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, &ProviderError{Message: "invalid analysis payload: " + err.Error(), Transient: false}
	}

	if payload.Confidence < 0 {
		payload.Confidence = 0
	}
	if payload.Confidence > 1 {
		payload.Confidence = 1
	}

	return &AnalysisResult{
		Narrative: models.Narrative{
			Strengths:       payload.Strengths,
			Weaknesses:      payload.Weaknesses,
			Recommendations: payload.Recommendations,
		},
		Confidence:     payload.Confidence,
		Flags:          payload.Flags,
		FreeTextGrades: payload.FreeTextGrades,
		RawPayload:     content,
	}, nil
}

// cleanJSONResponse strips markdown fences and prose the model sometimes
// wraps around the JSON object.
func cleanJSONResponse(response string) (string, error) {
	if response == "" {
		return "", fmt.Errorf("empty response")
	}

	cleaned := strings.TrimSpace(response)

	// Remove markdown code blocks if present
	if strings.HasPrefix(cleaned, "```json") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimSuffix(cleaned, "```")
		cleaned = strings.TrimSpace(cleaned)
	} else if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
		cleaned = strings.TrimSpace(cleaned)
	}

	// Find JSON object boundaries
	startIdx := strings.Index(cleaned, "{")
	endIdx := strings.LastIndex(cleaned, "}")
	if startIdx == -1 || endIdx == -1 || startIdx >= endIdx {
		return "", fmt.Errorf("no valid JSON object found in response")
	}
	cleaned = cleaned[startIdx : endIdx+1]

	// Validate that it's valid JSON
	var temp map[string]any
	if err := json.Unmarshal([]byte(cleaned), &temp); err != nil {
		return "", fmt.Errorf("invalid JSON after cleaning: %w", err)
	}

	return cleaned, nil
}

func buildAnalysisPrompt(definition *models.TestDefinition, session *models.TestSession) string {
	var sb strings.Builder

	sb.WriteString(`Analyze this completed assessment session. Return ONLY valid JSON matching this schema:
{
  "strengths": ["observed strength"],
  "weaknesses": ["observed gap"],
  "recommendations": ["concrete next step"],
  "confidence": 0.0 to 1.0,
  "flags": ["anomaly a human should look at"],
  "freeTextGrades": {"question-id": 0.0 to 1.0}
}

"confidence" is how certain you are of your own analysis. Add a flag only for
real anomalies (contradictory answers, suspected guessing, off-topic free
text); leave "flags" empty otherwise. Grade every free-text answer listed
below in "freeTextGrades" (0.0 = no credit, 1.0 = full credit); use an empty
object when there is none.

`)

	sb.WriteString(fmt.Sprintf("Assessment: %s\n", definition.Title))
	if definition.Description != "" {
		sb.WriteString(fmt.Sprintf("Description: %s\n", definition.Description))
	}
	if session.Score != nil {
		sb.WriteString(fmt.Sprintf("Score: %.2f/%.2f (%.1f%%)\n",
			session.Score.RawScore, session.Score.MaxScore, session.Score.Percentage))
	}
	if session.TimeSpentSeconds > 0 {
		sb.WriteString(fmt.Sprintf("Time spent: %d seconds\n", session.TimeSpentSeconds))
	}

	sb.WriteString("\nQuestion outcomes:\n")
	for _, question := range definition.Questions() {
		outcome := "not scored"
		if session.Score != nil {
			if entry := session.Score.BreakdownFor(question.ID); entry != nil {
				outcome = fmt.Sprintf("%s (%.2f/%.2f)", entry.Outcome, entry.AwardedWeight, entry.MaxWeight)
			}
		}
		sb.WriteString(fmt.Sprintf("- [%s] %s: %s\n", question.ID, question.Prompt, outcome))
	}

	wroteHeader := false
	for _, question := range definition.Questions() {
		if question.Type != models.QuestionTypeFreeText {
			continue
		}
		response := session.ResponseFor(question.ID)
		if response == nil || response.Text == "" {
			continue
		}
		if !wroteHeader {
			sb.WriteString("\nFree-text answers to grade:\n")
			wroteHeader = true
		}
		sb.WriteString(fmt.Sprintf("- [%s] Question: %s\n  Answer: %s\n", question.ID, question.Prompt, response.Text))
	}

	return sb.String()
}
