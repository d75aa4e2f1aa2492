package llm

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/genai"
)

var _ ImageGenerator = (*GeminiImage)(nil)

const defaultGeminiImageModel = "imagen-4.0-generate-001"

// GeminiImage implements ImageGenerator on the Gemini API's Imagen models.
// Generated images come back as inline bytes, so GenerateImage returns a
// base64 data URI; the archive layer turns it into a durable URL.
type GeminiImage struct {
	client *genai.Client
	model  string
}

// NewGeminiImage creates a Gemini-backed image generator.
// model may be empty to use the default Imagen model.
func NewGeminiImage(ctx context.Context, apiKey, model string) (*GeminiImage, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultGeminiImageModel
	}
	return &GeminiImage{client: client, model: model}, nil
}

func (g *GeminiImage) GenerateImage(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateImages(ctx, g.model, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return "", err
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return "", fmt.Errorf("llm: image generation returned no image")
	}
	img := resp.GeneratedImages[0].Image
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.ImageBytes)), nil
}
