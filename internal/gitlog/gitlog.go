// Package gitlog turns repository history for a report window into commit records.
package gitlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"workreport/internal/domain"
)

const (
	headerSentinel = "COMMIT_SEP"
	shortHashLen   = 8

	// fieldSep is the ASCII unit separator, which git emits for fieldSepSpec.
	fieldSep     = "\x1f"
	fieldSepSpec = "%x1f"
)

// ErrRepoMissing is returned when the repository path does not exist.
var ErrRepoMissing = errors.New("repository path does not exist")

// UnavailableError marks a project whose history could not be read. Callers
// treat it as a warning and carry on with the remaining projects.
type UnavailableError struct {
	Path string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("project %s unavailable: %v", e.Path, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Runner executes an external command inside a directory and returns stdout.
type Runner interface {
	RunDir(ctx context.Context, dir, cmd string, args ...string) ([]byte, error)
}

// ExecRunner calls the real binary.
type ExecRunner struct{}

const maxStderrLen = 500

// RunDir executes cmd in dir. On failure the (capped) stderr becomes part of the error.
func (ExecRunner) RunDir(ctx context.Context, dir, cmd string, args ...string) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	c.Dir = dir
	var stderr bytes.Buffer
	c.Stderr = &stderr
	out, err := c.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrLen {
			msg = msg[:maxStderrLen]
		}
		if msg != "" {
			return out, fmt.Errorf("exec %s in %s: %s: %w", cmd, dir, msg, err)
		}
		return out, fmt.Errorf("exec %s in %s: %w", cmd, dir, err)
	}
	return out, nil
}

// Extractor reads commits by shelling out to git.
type Extractor struct {
	Runner  Runner
	GitPath string
	Log     zerolog.Logger
}

// NewExtractor returns an Extractor using the git binary on PATH.
func NewExtractor(log zerolog.Logger) Extractor {
	return Extractor{Runner: ExecRunner{}, GitPath: "git", Log: log}
}

// LogArgs builds the git log invocation for a window. The until bound is end-of-day inclusive.
func LogArgs(w domain.Window) []string {
	return []string{
		"log",
		"--since=" + w.Since.Format(domain.DateLayout),
		"--until=" + w.Until.Format(domain.DateLayout) + " 23:59:59",
		"--pretty=format:" + strings.Join([]string{headerSentinel, "%H", "%an", "%ad", "%s"}, fieldSepSpec),
		"--date=short",
		"--name-status",
	}
}

// Extract returns the commits of repoPath inside the window, in git log order.
// A missing path or a failing git invocation yields an *UnavailableError.
func (e Extractor) Extract(ctx context.Context, repoPath string, w domain.Window) ([]domain.CommitRecord, error) {
	if err := checkPath(repoPath); err != nil {
		return nil, err
	}
	gitPath := e.GitPath
	if gitPath == "" {
		gitPath = "git"
	}
	runner := e.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	out, err := runner.RunDir(ctx, repoPath, gitPath, LogArgs(w)...)
	if err != nil {
		return nil, &UnavailableError{Path: repoPath, Err: err}
	}
	project := ProjectName(repoPath)
	commits, err := parse(bytes.NewReader(out), project, func(line string, err error) {
		e.Log.Warn().Err(err).Str("project", project).Str("header", line).Msg("skipping malformed commit header")
	})
	if err != nil {
		return nil, &UnavailableError{Path: repoPath, Err: err}
	}
	for i, c := range commits {
		e.Log.Debug().
			Str("project", c.Project).
			Str("hash", c.Hash).
			Str("author", c.Author).
			Str("date", c.DateString()).
			Int("files", len(c.Files)).
			Msgf("commit %d/%d: %s", i+1, len(commits), c.Message)
	}
	return commits, nil
}

// Parse reads sentinel-delimited git log output. Every line after a header
// line, up to the next header, is a file-status line of that commit. A
// malformed header drops that commit and its file lines only.
func Parse(r io.Reader, project string) ([]domain.CommitRecord, error) {
	return parse(r, project, nil)
}

func parse(r io.Reader, project string, onSkip func(line string, err error)) ([]domain.CommitRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var commits []domain.CommitRecord
	var current *domain.CommitRecord
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, headerSentinel+fieldSep) {
			if current != nil {
				commits = append(commits, *current)
				current = nil
			}
			c, err := parseHeader(line, project)
			if err != nil {
				if onSkip != nil {
					onSkip(line, err)
				}
				continue
			}
			current = &c
			continue
		}
		if current != nil {
			current.Files = append(current.Files, strings.TrimSpace(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read git log: %w", err)
	}
	if current != nil {
		commits = append(commits, *current)
	}
	return commits, nil
}

func parseHeader(line, project string) (domain.CommitRecord, error) {
	// The subject is last so it may itself contain the separator.
	parts := strings.SplitN(line, fieldSep, 5)
	if len(parts) < 5 {
		return domain.CommitRecord{}, fmt.Errorf("malformed commit header %q", line)
	}
	hash := parts[1]
	if len(hash) > shortHashLen {
		hash = hash[:shortHashLen]
	}
	date, err := time.Parse(domain.DateLayout, strings.TrimSpace(parts[3]))
	if err != nil {
		return domain.CommitRecord{}, fmt.Errorf("commit %s: invalid date %q: %w", hash, parts[3], err)
	}
	return domain.CommitRecord{
		Hash:    hash,
		Author:  parts[2],
		Date:    date,
		Message: strings.TrimSpace(parts[4]),
		Files:   []string{},
		Project: project,
	}, nil
}

// ProjectName is the base name of the repository directory.
func ProjectName(repoPath string) string {
	return filepath.Base(filepath.Clean(repoPath))
}

// FilePath extracts the path from a name-status line ("M\tpath", "R100\told\tnew").
func FilePath(statusLine string) string {
	fields := strings.Split(statusLine, "\t")
	if len(fields) == 1 {
		fields = strings.Fields(statusLine)
	}
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func checkPath(repoPath string) error {
	if _, err := os.Stat(repoPath); err != nil {
		if os.IsNotExist(err) {
			return &UnavailableError{Path: repoPath, Err: ErrRepoMissing}
		}
		return &UnavailableError{Path: repoPath, Err: err}
	}
	return nil
}
