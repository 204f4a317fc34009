package looksee

import (
	"log"
	"strings"
)

// Markers are checked in order, the first match wins.
var templateMarkers = []struct {
	marker   string
	template string
}{
	{"llama-2", "llava_llama_2"},
	{"mistral", "mistral_instruct"},
	{"v1.6-34b", "chatml_direct"},
	{"v1", "llava_v1"},
	{"mpt", "mpt"},
}

const fallbackTemplate = "llava_v0"

// InferTemplate picks a template name from a model name using a case
// insensitive substring match.
func InferTemplate(modelName string) string {
	name := strings.ToLower(modelName)
	for _, m := range templateMarkers {
		if strings.Contains(name, m.marker) {
			return m.template
		}
	}
	return fallbackTemplate
}

// SelectTemplate returns the template to use for modelName. A non-empty
// explicit name always wins; if it differs from the inferred one a single
// warning is written to logger.
func SelectTemplate(modelName, explicit string, logger *log.Logger) (*Template, error) {
	inferred := InferTemplate(modelName)
	if explicit == "" {
		return LookupTemplate(inferred)
	}

	if explicit != inferred && logger != nil {
		logger.Printf("[WARNING] the auto inferred conversation mode is %s, while `-conv-mode` is %s, using %s",
			inferred, explicit, explicit)
	}
	return LookupTemplate(explicit)
}

// ModelNameFromPath turns a model path or identifier into a model name. For
// training checkpoint directories the parent directory is included, e.g.
// "runs/llava-v1.5/checkpoint-200" becomes "llava-v1.5_checkpoint-200".
func ModelNameFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	last := parts[len(parts)-1]
	if strings.HasPrefix(last, "checkpoint-") && len(parts) > 1 {
		return parts[len(parts)-2] + "_" + last
	}
	return last
}
