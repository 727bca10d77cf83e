package openai

import (
	"encoding/json"
	"fmt"

	"lot-describe-pipeline/models"
)

const visionPrompt = `You are an expert vehicle damage appraiser. You are given photos of a
vehicle lot offered for resale, possibly with the seller's own description.
Treat the seller's text critically: it may downplay or omit damage.

Inspect every photo and produce an HTML fragment describing all visible
damage: dents, scratches, rust, cracked glass, worn interior, missing parts.
Be specific about the location and severity of each finding. If no damage is
visible, say so explicitly. Return only the HTML fragment, no markdown.`

type inputImage struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
	Detail   string `json:"detail"`
}

type inputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type inputMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type reasoningOpts struct {
	Effort string `json:"effort"`
}

type visionRequest struct {
	Model     string         `json:"model"`
	Reasoning reasoningOpts  `json:"reasoning"`
	Input     []inputMessage `json:"input"`
}

type translateRequest struct {
	Model           string         `json:"model"`
	Input           []inputMessage `json:"input"`
	MaxOutputTokens int            `json:"max_output_tokens"`
	Temperature     float64        `json:"temperature"`
}

// BuildVisionBody constructs the analysis request body for one lot.
func BuildVisionBody(c *Client, lot *models.Lot) (json.RawMessage, error) {
	content := make([]interface{}, 0, len(lot.Images)+1)
	userText := fmt.Sprintf("Seller's description: %s", lot.AdditionalInfo)
	content = append(content, inputText{Type: "input_text", Text: userText})
	for _, img := range lot.Images {
		content = append(content, inputImage{Type: "input_image", ImageURL: img.URL, Detail: "low"})
	}

	req := visionRequest{
		Model:     c.visionModel,
		Reasoning: reasoningOpts{Effort: "medium"},
		Input: []inputMessage{
			{Role: "system", Content: visionPrompt},
			{Role: "user", Content: content},
		},
	}
	return json.Marshal(req)
}

// BuildTranslateBody constructs the translation request body. The source
// HTML goes in the user message so markup survives untouched.
func BuildTranslateBody(c *Client, text, language string) (json.RawMessage, error) {
	req := translateRequest{
		Model: c.translateModel,
		Input: []inputMessage{
			{
				Role: "system",
				Content: fmt.Sprintf(
					"Translate the following HTML into %s. Preserve markup and return only translated HTML.",
					language,
				),
			},
			{Role: "user", Content: text},
		},
		MaxOutputTokens: 4096,
		Temperature:     0,
	}
	return json.Marshal(req)
}

// BuildBody is the workqueue body builder: it routes a work unit to the
// request constructor for its stage.
func (c *Client) BuildBody(unit *models.WorkUnit) (json.RawMessage, error) {
	switch unit.Stage {
	case models.StageAnalysis:
		return BuildVisionBody(c, &unit.Lot)
	case models.StageTranslation:
		return BuildTranslateBody(c, unit.SourceText, unit.Language)
	default:
		return nil, fmt.Errorf("unknown stage %q", unit.Stage)
	}
}
