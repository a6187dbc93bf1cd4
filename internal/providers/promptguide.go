package providers

import (
	"encoding/json"
	"strings"

	"github.com/zveroz/zeroclaw/internal/types"
)

const toolUseGuidance = `To use a tool, wrap a JSON object in <tool_call></tool_call> tags:

<tool_call>
{"name": "tool_name", "arguments": {"param": "value"}}
</tool_call>

Only emit a tool_call block when you intend to invoke a tool. Wait for the
result before continuing; do not guess at what a tool would return.`

// BuildToolInstructions renders the fixed prompt-guided tool-use protocol
// block for a set of tools (spec §4.1.3).
func BuildToolInstructions(tools []types.ToolSpec) string {
	var b strings.Builder
	b.WriteString("## Tool Use Protocol\n\n")
	b.WriteString(toolUseGuidance)
	b.WriteString("\n\n### Available Tools\n\n")
	for _, t := range tools {
		params, _ := json.Marshal(t.Parameters)
		b.WriteString("**" + t.Name + "**: " + t.Description + "\n")
		b.WriteString("Parameters: `" + string(params) + "`\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
