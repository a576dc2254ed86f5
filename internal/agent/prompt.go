package agent

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ashureev/agentd/internal/domain"
)

const systemPrompt = `You are an autonomous software agent working inside a sandboxed workspace.
Use the available tools to inspect files before answering questions about them.
Answer concisely and in plain text.`

const enhanceSystemPrompt = `Rewrite the user's request into a clear, specific prompt for a coding agent.
Keep the user's intent. Reply with the rewritten prompt only.`

// reviewInstruction frames a review_result verdict for the model.
const reviewInstruction = "The user reviewed your previous answer. Their feedback follows; revise your work accordingly.\n\n"

// userTurn builds the text of the user turn sent to a model, listing attached
// files relative to the workspace.
func userTurn(req RunRequest) string {
	var b strings.Builder
	if req.Kind == domain.TaskReview {
		b.WriteString(reviewInstruction)
	}
	b.WriteString(req.Prompt)
	if refs := fileRefs(req.WorkspaceDir, req.Files); refs != "" {
		b.WriteString("\n\n")
		b.WriteString(refs)
	}
	return b.String()
}

func fileRefs(dir string, files []string) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Attached files (use read_file to view them):")
	for _, f := range files {
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			rel = f
		}
		fmt.Fprintf(&b, "\n- %s", filepath.ToSlash(rel))
	}
	return b.String()
}
