// README: Gemini-backed category advisor for maintenance request descriptions.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Advisor suggests a category for a free-text problem description.
type Advisor interface {
	SuggestCategory(ctx context.Context, description string) (*CategorySuggestion, error)
}

// GeminiAdvisor implements Advisor using Google's Gemini models.
type GeminiAdvisor struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGeminiAdvisor(ctx context.Context, apiKey string) (*GeminiAdvisor, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := client.GenerativeModel("gemini-2.0-flash")
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0.2)

	return &GeminiAdvisor{client: client, model: model}, nil
}

func (a *GeminiAdvisor) Close() {
	a.client.Close()
}

func (a *GeminiAdvisor) SuggestCategory(ctx context.Context, description string) (*CategorySuggestion, error) {
	prompt := fmt.Sprintf("%s\n\nProblem description: %s", systemPrompt, description)

	resp, err := a.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini generation error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no response candidates from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}

	var out CategorySuggestion
	if err := json.Unmarshal([]byte(cleanJSONString(text.String())), &out); err != nil {
		return nil, fmt.Errorf("parse suggestion: %w", err)
	}
	if out.Priority < 1 {
		out.Priority = 1
	}
	if out.Priority > 5 {
		out.Priority = 5
	}
	return &out, nil
}

const systemPrompt = `Role: you classify home-maintenance problem reports for a
property management platform operating in Morocco. Tenants write short
descriptions in French, Arabic, or English.

Rules:
- "category" must be one of: plomberie, electricite, serrurerie, chauffage,
  climatisation, menage, peinture, menuiserie, jardinage, autre.
- "subcategory" is free text within the trade ("fuite", "chauffe-eau",
  "court-circuit", ...), or omitted when the description is too vague.
- "priority" is 1 (routine) to 5 (emergency: flooding, gas, electrical danger).
- "summary" restates the problem in one French sentence.

Output JSON schema:
{
  "category": "string",
  "subcategory": "string or omitted",
  "priority": 1-5,
  "summary": "string"
}`

// cleanJSONString removes markdown code fences if present.
func cleanJSONString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "```json")
	input = strings.TrimPrefix(input, "```")
	input = strings.TrimSuffix(input, "```")
	return strings.TrimSpace(input)
}
