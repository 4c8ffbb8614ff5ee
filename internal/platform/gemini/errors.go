package gemini

import "errors"

// Error definitions for the gemini package.
var (
	// ErrInvalidConfig is returned when the annotator configuration is unusable.
	ErrInvalidConfig = errors.New("invalid gemini configuration")

	// ErrEmptyItemID is returned when asked to annotate an empty object key.
	ErrEmptyItemID = errors.New("item id cannot be empty")

	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("gemini returned an empty response")

	// ErrContentBlocked is returned when safety filters blocked the response.
	ErrContentBlocked = errors.New("gemini response blocked by safety filters")
)
