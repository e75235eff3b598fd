package sandbox

import "encoding/json"

// Definition describes a tool to a model: its name, purpose, and a JSON
// Schema for its arguments.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

var definitions = []Definition{
	{
		Name:        ToolReadFile,
		Description: "Read a file from the repository. Paths are relative to the repository root.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to the repository root"}},"required":["path"]}`),
	},
	{
		Name:        ToolWriteFile,
		Description: "Create or overwrite a file. Parent directories are created as needed.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string","description":"Complete new file content"}},"required":["path","content"]}`),
	},
	{
		Name:        ToolEditFile,
		Description: "Replace an exact substring in a file. Fails if old_string does not occur.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old_string":{"type":"string"},"new_string":{"type":"string"},"replace_all":{"type":"boolean"}},"required":["path","old_string","new_string"]}`),
	},
	{
		Name:        ToolRunBash,
		Description: "Run a shell command in the repository root. Destructive and privileged commands are refused.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
	},
	{
		Name:        ToolGlobFiles,
		Description: "List files matching a glob such as **/*.go or src/*.{ts,tsx}.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"}},"required":["pattern"]}`),
	},
	{
		Name:        ToolGrepSearch,
		Description: "Search file contents with an extended regular expression.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"path":{"type":"string","description":"Directory or file to search, default the repository root"},"include":{"type":"string","description":"Only search files matching this glob, e.g. *.go"}},"required":["pattern"]}`),
	},
	{
		Name:        ToolTaskComplete,
		Description: "Call once all changes are made. Provide the commit message and pull request text.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"commitMessage":{"type":"string"},"prTitle":{"type":"string"},"prDescription":{"type":"string"}},"required":["commitMessage","prTitle","prDescription"]}`),
	},
}

// Definitions returns every tool in the vocabulary.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// PlanningDefinitions returns the tools available while planning: exploration
// only, no writes and no completion marker.
func PlanningDefinitions() []Definition {
	var out []Definition
	for _, d := range definitions {
		switch d.Name {
		case ToolReadFile, ToolRunBash, ToolGlobFiles, ToolGrepSearch:
			out = append(out, d)
		}
	}
	return out
}
