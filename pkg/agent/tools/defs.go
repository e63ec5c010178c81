package tools

import "encoding/json"

// Definition describes one tool to an LLM provider: name, natural-language
// description, and a JSON Schema for its input.
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

var definitions = map[string]Definition{
	ToolReadFile: {
		Name:        ToolReadFile,
		Description: "Read a file relative to the working directory. Large files are truncated.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the working directory"}
			},
			"required": ["path"]
		}`),
	},
	ToolWriteFile: {
		Name:        ToolWriteFile,
		Description: "Write content to a file relative to the working directory, creating parent directories as needed.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the working directory"},
				"content": {"type": "string", "description": "Full file content to write"}
			},
			"required": ["path", "content"]
		}`),
	},
	ToolListDirectory: {
		Name:        ToolListDirectory,
		Description: "List the entries of a directory relative to the working directory.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory path, defaults to the working directory"}
			}
		}`),
	},
	ToolRunCommand: {
		Name:        ToolRunCommand,
		Description: "Run a shell command in the working directory. Output is truncated and prefixed with the exit code.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Shell command to run"}
			},
			"required": ["command"]
		}`),
	},
}

// Definitions returns the tool definitions for the given names, skipping
// unknown ones.
func Definitions(names []string) []Definition {
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		if def, ok := definitions[name]; ok {
			out = append(out, def)
		}
	}
	return out
}
