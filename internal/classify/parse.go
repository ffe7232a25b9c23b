package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"workreport/internal/domain"
)

// ErrNoCandidates is returned when the response decodes to an empty task list.
var ErrNoCandidates = errors.New("classification returned no tasks")

// StripFences removes markdown code fence tokens (``` or ```json) around a
// payload. Only the tokens go; text sharing a line with a fence is kept.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	const fence = "```"
	opening := true
	for {
		i := strings.Index(s, fence)
		if i < 0 {
			break
		}
		rest := s[i+len(fence):]
		if opening {
			rest = strings.TrimLeftFunc(rest, isFenceTag)
			opening = false
		}
		s = s[:i] + rest
	}
	return strings.TrimSpace(s)
}

// isFenceTag matches the language tag that may follow an opening fence.
func isFenceTag(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '+'
}

// ParseCandidates decodes a batch response into normalized task candidates.
// It accepts a bare array or an object wrapping the array under "tasks", and
// common key spellings the service uses instead of the requested ones.
func ParseCandidates(text string) ([]domain.TaskCandidate, error) {
	body := StripFences(text)
	var items []map[string]any
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		var wrapped map[string]json.RawMessage
		if json.Unmarshal([]byte(body), &wrapped) != nil {
			return nil, fmt.Errorf("decode classification: %w", err)
		}
		raw, ok := lookupRaw(wrapped, "tasks", "items", "result")
		if !ok {
			return nil, fmt.Errorf("decode classification: %w", err)
		}
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode classification tasks: %w", err)
		}
	}
	out := make([]domain.TaskCandidate, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, normalize(item))
	}
	if len(out) == 0 {
		return nil, ErrNoCandidates
	}
	return out, nil
}

// ParseCommitItem decodes a per-commit response. The Commit field is left zero.
func ParseCommitItem(text string) (domain.ClassifiedCommit, error) {
	var item map[string]any
	if err := json.Unmarshal([]byte(StripFences(text)), &item); err != nil {
		return domain.ClassifiedCommit{}, fmt.Errorf("decode commit classification: %w", err)
	}
	if item == nil {
		return domain.ClassifiedCommit{}, fmt.Errorf("decode commit classification: empty object")
	}
	out := domain.ClassifiedCommit{
		Type:        itemType(stringField(item, "type", "kind", "类型")),
		Category:    stringField(item, "category", "分类"),
		Description: stringField(item, "description", "summary", "描述"),
		RelatedID:   stringField(item, "related_id", "relatedId", "关联ID"),
	}
	if out.Category == "" {
		out.Category = domain.Uncategorized
	}
	if out.Description == "" {
		return domain.ClassifiedCommit{}, fmt.Errorf("commit classification has no description")
	}
	if id := strings.ToLower(out.RelatedID); id == "" || id == "none" || id == "n/a" || id == "无" {
		out.RelatedID = domain.NoneSentinel
	}
	return out, nil
}

func itemType(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "problem", "bug", "issue", "问题":
		return domain.ItemProblem
	default:
		return domain.ItemTask
	}
}

func normalize(item map[string]any) domain.TaskCandidate {
	c := domain.TaskCandidate{
		Module:        stringField(item, "module", "模块"),
		Category:      stringField(item, "category", "分类"),
		Description:   stringField(item, "description", "summary", "描述"),
		KeyChanges:    stringList(item, "key_changes", "keyChanges", "关键改动"),
		CommitIndices: intList(item, "commit_indices", "commitIndices", "commits"),
	}
	if c.Module == "" {
		c.Module = domain.Uncategorized
	}
	if c.Category == "" {
		c.Category = domain.Uncategorized
	}
	if c.Description == "" {
		c.Description = c.Module
	}
	return c
}

func lookupRaw(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func lookup(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(m map[string]any, keys ...string) string {
	v, ok := lookup(m, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func stringList(m map[string]any, keys ...string) []string {
	v, ok := lookup(m, keys...)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

// intList keeps integral numbers and numeric strings; range checks happen later.
func intList(m map[string]any, keys ...string) []int {
	v, ok := lookup(m, keys...)
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(list))
	for _, e := range list {
		switch t := e.(type) {
		case float64:
			if t == math.Trunc(t) {
				out = append(out, int(t))
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}
