package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"workreport/internal/domain"
)

// GroupByProject partitions commits by project, keeping first-seen project
// order and extraction order within each group.
func GroupByProject(commits []domain.CommitRecord) []domain.ProjectCommitGroup {
	var groups []domain.ProjectCommitGroup
	index := map[string]int{}
	for _, c := range commits {
		i, ok := index[c.Project]
		if !ok {
			i = len(groups)
			index[c.Project] = i
			groups = append(groups, domain.ProjectCommitGroup{Project: c.Project})
		}
		groups[i].Commits = append(groups[i].Commits, c)
	}
	return groups
}

// ResolveDates returns the date range of the commits a candidate claims by
// 1-based index. Without any in-range index it spans the whole project.
func ResolveDates(candidate domain.TaskCandidate, commits []domain.CommitRecord) (time.Time, time.Time) {
	var dates []time.Time
	for _, idx := range candidate.CommitIndices {
		if idx >= 1 && idx <= len(commits) {
			dates = append(dates, commits[idx-1].Date)
		}
	}
	if len(dates) == 0 {
		for _, c := range commits {
			dates = append(dates, c.Date)
		}
	}
	if len(dates) == 0 {
		return time.Time{}, time.Time{}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates[0], dates[len(dates)-1]
}

// ResolveTasks attaches date ranges to every candidate of one project.
func ResolveTasks(candidates []domain.TaskCandidate, commits []domain.CommitRecord) []domain.ResolvedTask {
	out := make([]domain.ResolvedTask, 0, len(candidates))
	for _, c := range candidates {
		start, end := ResolveDates(c, commits)
		out = append(out, domain.ResolvedTask{TaskCandidate: c, StartDate: start, EndDate: end})
	}
	return out
}

// Assemble numbers task rows across all projects in processing order.
func Assemble(projects []domain.ProjectTasks, owner, collaborators string) []domain.TaskRow {
	var rows []domain.TaskRow
	next := 1
	for _, p := range projects {
		var projectRows []domain.TaskRow
		projectRows, next = AssembleProject(p, next, owner, collaborators)
		rows = append(rows, projectRows...)
	}
	return rows
}

// AssembleProject builds one project's rows starting at sequence number next
// and returns the number the following project starts at.
func AssembleProject(p domain.ProjectTasks, next int, owner, collaborators string) ([]domain.TaskRow, int) {
	rows := make([]domain.TaskRow, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		rows = append(rows, domain.TaskRow{
			Seq:           next,
			Label:         fmt.Sprintf("[%s] %s", p.Project, t.Module),
			Detail:        Detail(t.Description, t.KeyChanges),
			StartDate:     formatDate(t.StartDate),
			EndDate:       formatDate(t.EndDate),
			Owner:         owner,
			Collaborators: orNone(collaborators),
			Progress:      domain.ProgressDone,
		})
		next++
	}
	return rows, next
}

// Detail is the description followed by one bullet line per key change.
func Detail(description string, keyChanges []string) string {
	if len(keyChanges) == 0 {
		return description
	}
	var b strings.Builder
	b.WriteString(description)
	b.WriteString("\nKey changes:")
	for _, k := range keyChanges {
		b.WriteString("\n• ")
		b.WriteString(k)
	}
	return b.String()
}

// AssemblePerCommit splits per-commit classifications into task and problem
// rows, each numbered from 1.
func AssemblePerCommit(items []domain.ClassifiedCommit, owner, collaborators string) ([]domain.TaskRow, []domain.ProblemRow) {
	var tasks []domain.TaskRow
	var problems []domain.ProblemRow
	for _, it := range items {
		date := it.Commit.DateString()
		detail := fmt.Sprintf("[%s] %s", it.Commit.Project, it.Description)
		if it.Type == domain.ItemProblem {
			problems = append(problems, domain.ProblemRow{
				Seq:          len(problems) + 1,
				Category:     it.Category,
				Description:  detail,
				RaisedDate:   date,
				Resolution:   it.Commit.Message,
				ResolvedDate: date,
			})
			continue
		}
		note := it.RelatedID
		if note == domain.NoneSentinel {
			note = ""
		}
		tasks = append(tasks, domain.TaskRow{
			Seq:           len(tasks) + 1,
			Label:         it.Category,
			Detail:        detail,
			StartDate:     date,
			EndDate:       date,
			Owner:         owner,
			Collaborators: orNone(collaborators),
			Progress:      domain.ProgressDone,
			Note:          note,
		})
	}
	return tasks, problems
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return domain.NoneSentinel
	}
	return s
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(domain.DateLayout)
}
