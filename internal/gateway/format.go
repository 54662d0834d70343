package gateway

import (
	"fmt"

	"dispatchfabric/internal/envelope"
	"dispatchfabric/internal/stream"
)

// formatProgress renders a task:progress notice for the ephemeral chat push
// (spec §4.7). Markup matches the HTML parse mode chatorigin.Telegram uses.
func formatProgress(p envelope.TaskProgressPayload) string {
	switch p.Type {
	case envelope.ProgressToolUse:
		return fmt.Sprintf("🔧 %s", p.Message)
	case envelope.ProgressThinking:
		return fmt.Sprintf("💭 %s", p.Message)
	default:
		return p.Message
	}
}

// formatTaskComplete renders the final block message that replaces the
// streaming message in place (spec §4.7 task:complete).
func formatTaskComplete(p envelope.TaskCompletePayload) string {
	text := fmt.Sprintf("<b>✅ Task complete</b>\n\n%s", stream.RenderMarkdown(p.Result))
	if len(p.FilesChanged) > 0 {
		text += fmt.Sprintf("\n\n<b>Files changed:</b> %d", len(p.FilesChanged))
	}
	if len(p.CommandsRun) > 0 {
		text += fmt.Sprintf("\n<b>Commands run:</b> %d", len(p.CommandsRun))
	}
	text += fmt.Sprintf("\n<i>%d in / %d out tokens, $%.4f</i>", p.InputTokens, p.OutputTokens, p.EstimatedCost)
	return text
}

// formatTaskError renders the error block with a retry action (spec §4.7
// task:error); there is no chat-platform button infrastructure in the tree,
// so "retry action" is a plain-text instruction.
func formatTaskError(reason string) string {
	return fmt.Sprintf("<b>❌ Task failed</b>\n\n%s\n\n<i>Send the same prompt again to retry.</i>", reason)
}
