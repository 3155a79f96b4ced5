package scanning

import (
	"context"
	"errors"
)

// ErrNoText is returned when the model reports that the image holds no text
var ErrNoText = errors.New("no text found in image")

// Transcriber turns an order screenshot into raw text
type Transcriber interface {
	// Transcribe returns every line of text visible in the image
	Transcribe(ctx context.Context, imageData []byte, contentType string) (string, error)
	// Close releases the transcriber's resources
	Close() error
}

// noTextMarker is what the prompt asks the model to answer for blank images
const noTextMarker = "NO_TEXT"

// transcribePrompt is shared by all model providers
const transcribePrompt = `You are an OCR engine. The image is a screenshot or photo of an online shopping order summary, usually from a Chinese marketplace or shopping agent.

Transcribe ALL visible text exactly as it appears, top to bottom, one line of the image per line of output.

Rules:
- Keep labels and values together as printed, e.g. "Price: ¥12.50", "Freight: ¥3.00", "Quantity: 2", "Weight: 45g".
- Keep currency symbols, decimal separators and units exactly as shown.
- Do not translate, summarize, correct, reorder or explain anything.
- Do not wrap the output in markdown or code blocks.
- If the image contains no readable text, answer exactly: NO_TEXT`
