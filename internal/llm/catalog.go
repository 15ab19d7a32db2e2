package llm

import "strings"

// ModelSpec is the sizing of a model in tokens.
type ModelSpec struct {
	ContextWindow int `json:"context_window"`
	MaxOutput     int `json:"max_output"`
}

// DefaultSpec applies to models not matched by the catalog.
var DefaultSpec = ModelSpec{ContextWindow: 8192, MaxOutput: 4096}

type catalogEntry struct {
	match string
	spec  ModelSpec
}

// catalog is matched by substring in order, so more specific names come first.
var catalog = []catalogEntry{
	{"gpt-4o-mini", ModelSpec{128000, 16384}},
	{"gpt-4o", ModelSpec{128000, 16384}},
	{"gpt-4-turbo", ModelSpec{128000, 4096}},
	{"gpt-4-1106", ModelSpec{128000, 4096}},
	{"gpt-4-0125", ModelSpec{128000, 4096}},
	{"gpt-4-32k", ModelSpec{32768, 4096}},
	{"gpt-4", ModelSpec{8192, 8192}},
	{"gpt-3.5-turbo-16k", ModelSpec{16384, 4096}},
	{"gpt-3.5-turbo", ModelSpec{4096, 4096}},

	{"claude-3-opus", ModelSpec{200000, 4096}},
	{"claude-3-5-sonnet", ModelSpec{200000, 8192}},
	{"claude-3-5-haiku", ModelSpec{200000, 8192}},
	{"claude-3-sonnet", ModelSpec{200000, 4096}},
	{"claude-3-haiku", ModelSpec{200000, 4096}},
	{"claude-2", ModelSpec{100000, 4096}},

	{"gemini-1.5-pro", ModelSpec{2000000, 8192}},
	{"gemini-1.5-flash", ModelSpec{1000000, 8192}},
	{"gemini-pro", ModelSpec{32000, 2048}},
}

// LookupSpec returns the catalog sizing of a model id.
func LookupSpec(model string) ModelSpec {
	lower := strings.ToLower(model)
	for _, e := range catalog {
		if strings.Contains(lower, e.match) {
			return e.spec
		}
	}
	return DefaultSpec
}
