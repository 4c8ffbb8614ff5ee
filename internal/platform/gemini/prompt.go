package gemini

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

// DefaultPromptTemplate is used when no template file is configured.
const DefaultPromptTemplate = `You are annotating an image used for vocabulary study.
Image reference: {{.ItemID}}

Describe the main subject of the image in one short sentence, then list up to
five English nouns that name the objects visible in it, one per line.`

// promptData is the data passed to the prompt template
type promptData struct {
	ItemID string
}

// loadPromptTemplate parses the template at path, or the default template
// when path is empty.
func loadPromptTemplate(path string) (*template.Template, error) {
	content := DefaultPromptTemplate
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read prompt template from %s: %v",
				ErrInvalidConfig, path, err)
		}
		content = string(raw)
	}

	tmpl, err := template.New("annotation").Option("missingkey=error").Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v", ErrInvalidConfig, err)
	}
	return tmpl, nil
}

func renderPrompt(tmpl *template.Template, itemID string) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, promptData{ItemID: itemID}); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}
