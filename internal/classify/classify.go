// Package classify asks a text-generation service to turn commits into report
// items. It never fails its caller: every error ends in a deterministic fallback.
package classify

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"workreport/internal/config"
	"workreport/internal/domain"
)

// Completer sends one user prompt and returns the raw completion text.
type Completer interface {
	Complete(ctx context.Context, prompt string, temperature float32, maxTokens int) (string, error)
}

// Options are the per-call budgets and prompt shaping knobs.
type Options struct {
	Temperature       float32
	MaxTokens         int
	CommitTemperature float32
	CommitMaxTokens   int
	MaxFilesPerCommit int
	ExcludeFiles      []string
}

// OptionsFromConfig copies the classifier settings out of a report config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		CommitTemperature: cfg.LLM.CommitTemperature,
		CommitMaxTokens:   cfg.LLM.CommitMaxTokens,
		MaxFilesPerCommit: cfg.LLM.MaxFilesPerCommit,
		ExcludeFiles:      cfg.ExcludeFiles,
	}
}

type Classifier struct {
	Completer Completer
	Options   Options
	Log       zerolog.Logger
}

func New(c Completer, opts Options, log zerolog.Logger) *Classifier {
	return &Classifier{Completer: c, Options: opts, Log: log}
}

// Outcome is the result of classifying one project. When Fallback is set,
// Candidates holds exactly the synthetic candidate and Reason says why.
type Outcome struct {
	Candidates []domain.TaskCandidate
	Fallback   bool
	Reason     error
}

// CommitOutcome is the per-commit counterpart of Outcome.
type CommitOutcome struct {
	Item     domain.ClassifiedCommit
	Fallback bool
	Reason   error
}

// ClassifyProject makes a single completion call for all commits of a project.
func (c *Classifier) ClassifyProject(ctx context.Context, project string, commits []domain.CommitRecord) Outcome {
	if len(commits) == 0 {
		return Outcome{}
	}
	if c.Completer == nil {
		return c.fallback(project, commits, fmt.Errorf("no completer configured"))
	}
	prompt := c.BatchPrompt(project, commits)
	text, err := c.Completer.Complete(ctx, prompt, c.Options.Temperature, c.Options.MaxTokens)
	if err != nil {
		return c.fallback(project, commits, fmt.Errorf("completion: %w", err))
	}
	candidates, err := ParseCandidates(text)
	if err != nil {
		c.Log.Debug().Str("project", project).Str("response", text).Msg("unparsable classification")
		return c.fallback(project, commits, err)
	}
	c.Log.Info().Str("project", project).Int("commits", len(commits)).Int("tasks", len(candidates)).Msg("classified")
	return Outcome{Candidates: candidates}
}

func (c *Classifier) fallback(project string, commits []domain.CommitRecord, reason error) Outcome {
	c.Log.Warn().Str("project", project).Err(reason).Msg("classification failed, using fallback task")
	return Outcome{
		Candidates: []domain.TaskCandidate{FallbackCandidate(project, commits)},
		Fallback:   true,
		Reason:     reason,
	}
}

// FallbackCandidate summarizes a whole project as one uncategorized task that
// claims every commit.
func FallbackCandidate(project string, commits []domain.CommitRecord) domain.TaskCandidate {
	indices := make([]int, len(commits))
	for i := range commits {
		indices[i] = i + 1
	}
	keyChanges := []string{}
	for i := 0; i < len(commits) && i < fallbackKeyChanges; i++ {
		keyChanges = append(keyChanges, commits[i].Message)
	}
	return domain.TaskCandidate{
		Module:        domain.Uncategorized,
		Category:      fallbackCategory,
		Description:   fmt.Sprintf("%s project development work (%d commits)", project, len(commits)),
		KeyChanges:    keyChanges,
		CommitIndices: indices,
	}
}

const (
	fallbackCategory    = "development"
	fallbackKeyChanges  = 3
	fallbackDescription = 50
)

// ClassifyCommit makes one completion call for a single commit.
func (c *Classifier) ClassifyCommit(ctx context.Context, commit domain.CommitRecord) CommitOutcome {
	if c.Completer == nil {
		return c.commitFallback(commit, fmt.Errorf("no completer configured"))
	}
	text, err := c.Completer.Complete(ctx, c.CommitPrompt(commit), c.Options.CommitTemperature, c.Options.CommitMaxTokens)
	if err != nil {
		return c.commitFallback(commit, fmt.Errorf("completion: %w", err))
	}
	item, err := ParseCommitItem(text)
	if err != nil {
		return c.commitFallback(commit, err)
	}
	item.Commit = commit
	c.Log.Debug().Str("project", commit.Project).Str("hash", commit.Hash).Str("type", item.Type).Msg("classified commit")
	return CommitOutcome{Item: item}
}

func (c *Classifier) commitFallback(commit domain.CommitRecord, reason error) CommitOutcome {
	c.Log.Warn().Str("project", commit.Project).Str("hash", commit.Hash).Err(reason).Msg("commit classification failed, using fallback")
	return CommitOutcome{
		Item:     FallbackItem(commit),
		Fallback: true,
		Reason:   reason,
	}
}

// FallbackItem files a commit as an uncategorized task described by its message.
func FallbackItem(commit domain.CommitRecord) domain.ClassifiedCommit {
	return domain.ClassifiedCommit{
		Type:        domain.ItemTask,
		Category:    domain.Uncategorized,
		Description: truncateRunes(commit.Message, fallbackDescription),
		RelatedID:   domain.NoneSentinel,
		Commit:      commit,
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
