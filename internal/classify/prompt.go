package classify

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"workreport/internal/domain"
	"workreport/internal/gitlog"
)

// Categories are the labels the prompts ask for. Anything else the service
// returns is passed through untouched.
var Categories = []string{"new feature", "bug fix", "performance", "refactor", "documentation"}

// BatchPrompt lists every commit of a project and asks for a JSON array of tasks.
func (c *Classifier) BatchPrompt(project string, commits []domain.CommitRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are writing a weekly work report. Below are %d commits from project %q.\n", len(commits), project)
	b.WriteString("Group them into tasks by functional module. Related commits (a feature and its follow-up fixes) belong to one task; unrelated work in the same module gets its own task.\n\n")
	b.WriteString("Commits:\n")
	for i, commit := range commits {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, commit.DateString(), commit.Message)
		if files := c.promptFiles(commit.Files); files != "" {
			fmt.Fprintf(&b, "   files: %s\n", files)
		}
	}
	b.WriteString("\nRespond with a JSON array only, no prose. Each element:\n")
	b.WriteString(`{"module": "short functional area", "category": "one of: ` + strings.Join(Categories, ", ") + `", `)
	b.WriteString(`"description": "one sentence summary", "key_changes": ["short bullet", "..."], "commit_indices": [1, 2]}`)
	b.WriteString("\ncommit_indices are the 1-based numbers of the commits above that the task covers. Every commit should belong to exactly one task.\n")
	return b.String()
}

// CommitPrompt asks for the classification of one commit as a JSON object.
func (c *Classifier) CommitPrompt(commit domain.CommitRecord) string {
	var b strings.Builder
	b.WriteString("Classify this commit for a weekly work report.\n")
	fmt.Fprintf(&b, "Project: %s\nDate: %s\nMessage: %s\n", commit.Project, commit.DateString(), commit.Message)
	if files := c.promptFiles(commit.Files); files != "" {
		fmt.Fprintf(&b, "Files: %s\n", files)
	}
	b.WriteString("\nRespond with a JSON object only:\n")
	b.WriteString(`{"type": "task or problem (problem for bug fixes)", "category": "one of: ` + strings.Join(Categories, ", ") + `", `)
	b.WriteString(`"description": "one short sentence", "related_id": "issue or ticket id referenced by the message, or none"}`)
	b.WriteString("\n")
	return b.String()
}

// promptFiles drops excluded paths and truncates the list to the configured size.
func (c *Classifier) promptFiles(files []string) string {
	limit := c.Options.MaxFilesPerCommit
	if limit == 0 || len(files) == 0 {
		return ""
	}
	kept := make([]string, 0, len(files))
	for _, f := range files {
		if c.excluded(gitlog.FilePath(f)) {
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return ""
	}
	if len(kept) <= limit {
		return strings.Join(kept, ", ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(kept[:limit], ", "), len(kept)-limit)
}

func (c *Classifier) excluded(path string) bool {
	for _, pattern := range c.Options.ExcludeFiles {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}
