package gitlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/rs/zerolog"

	"workreport/internal/domain"
)

// GoGitSource reads commits in-process, without a git binary.
type GoGitSource struct {
	Log zerolog.Logger
}

// Extract mirrors Extractor.Extract using go-git.
func (s GoGitSource) Extract(ctx context.Context, repoPath string, w domain.Window) ([]domain.CommitRecord, error) {
	if err := checkPath(repoPath); err != nil {
		return nil, err
	}
	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, &UnavailableError{Path: repoPath, Err: err}
	}
	since := time.Date(w.Since.Year(), w.Since.Month(), w.Since.Day(), 0, 0, 0, 0, time.Local)
	until := time.Date(w.Until.Year(), w.Until.Month(), w.Until.Day(), 23, 59, 59, 0, time.Local)
	iter, err := repo.Log(&git.LogOptions{Since: &since, Until: &until})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			// Repository without commits.
			return nil, nil
		}
		return nil, &UnavailableError{Path: repoPath, Err: err}
	}
	defer iter.Close()

	project := ProjectName(repoPath)
	var commits []domain.CommitRecord
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		files, err := changedFiles(c)
		if err != nil {
			return fmt.Errorf("commit %s: %w", c.Hash, err)
		}
		date, _ := time.Parse(domain.DateLayout, c.Author.When.Format(domain.DateLayout))
		hash := c.Hash.String()
		commits = append(commits, domain.CommitRecord{
			Hash:    hash[:shortHashLen],
			Author:  c.Author.Name,
			Date:    date,
			Message: firstLine(c.Message),
			Files:   files,
			Project: project,
		})
		return nil
	})
	if err != nil {
		return nil, &UnavailableError{Path: repoPath, Err: err}
	}
	s.Log.Debug().Str("project", project).Int("commits", len(commits)).Msg("read history with go-git")
	return commits, nil
}

// changedFiles renders name-status lines against the first parent. Merge
// commits report no files, like git log --name-status.
func changedFiles(c *object.Commit) ([]string, error) {
	files := []string{}
	if c.NumParents() > 1 {
		return files, nil
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, err
	}
	var parentTree *object.Tree
	if c.NumParents() == 1 {
		parent, err := c.Parent(0)
		if err != nil {
			return nil, err
		}
		if parentTree, err = parent.Tree(); err != nil {
			return nil, err
		}
	}
	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return nil, err
	}
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, err
		}
		switch action {
		case merkletrie.Insert:
			files = append(files, "A\t"+ch.To.Name)
		case merkletrie.Delete:
			files = append(files, "D\t"+ch.From.Name)
		default:
			files = append(files, "M\t"+ch.To.Name)
		}
	}
	return files, nil
}

func firstLine(msg string) string {
	line, _, _ := strings.Cut(msg, "\n")
	return strings.TrimSpace(line)
}
