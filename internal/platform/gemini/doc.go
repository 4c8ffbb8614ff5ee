// Package gemini provides a batch.ItemProcessor that annotates images using
// Google's Gemini API.
//
// An Annotator treats each item id as an object key. It loads the image bytes
// through an ImageSource, renders the prompt template with the item id, and
// sends both to the configured model in a single request. The response text
// is returned as the item result.
//
// The Annotator does not retry. Failures are returned to the worker pool,
// which owns retry and backoff for every processor.
package gemini
