package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workreport/internal/domain"
)

func day(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func fiveCommits() []domain.CommitRecord {
	// extraction order is newest first, as git log reports it
	dates := []string{"2024-01-05", "2024-01-02", "2024-01-04", "2024-01-01", "2024-01-03"}
	out := make([]domain.CommitRecord, len(dates))
	for i, d := range dates {
		out[i] = domain.CommitRecord{Hash: "h", Date: day(d), Message: "m", Project: "app"}
	}
	return out
}

func sortedFiveCommits() []domain.CommitRecord {
	dates := []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"}
	out := make([]domain.CommitRecord, len(dates))
	for i, d := range dates {
		out[i] = domain.CommitRecord{Hash: "h", Date: day(d), Message: "m", Project: "app"}
	}
	return out
}

func TestGroupByProject(t *testing.T) {
	commits := []domain.CommitRecord{
		{Hash: "1", Project: "web"},
		{Hash: "2", Project: "api"},
		{Hash: "3", Project: "web"},
	}
	groups := GroupByProject(commits)
	require.Len(t, groups, 2)
	assert.Equal(t, "web", groups[0].Project)
	assert.Equal(t, []string{"1", "3"}, []string{groups[0].Commits[0].Hash, groups[0].Commits[1].Hash})
	assert.Equal(t, "api", groups[1].Project)
	assert.Empty(t, GroupByProject(nil))
}

func TestResolveDatesFromIndices(t *testing.T) {
	start, end := ResolveDates(domain.TaskCandidate{CommitIndices: []int{2, 5}}, sortedFiveCommits())
	assert.Equal(t, day("2024-01-02"), start)
	assert.Equal(t, day("2024-01-05"), end)
}

func TestResolveDatesSortsClaimedDates(t *testing.T) {
	start, end := ResolveDates(domain.TaskCandidate{CommitIndices: []int{1, 2, 3}}, fiveCommits())
	assert.Equal(t, day("2024-01-02"), start)
	assert.Equal(t, day("2024-01-05"), end)
}

func TestResolveDatesFallsBackToProjectSpan(t *testing.T) {
	commits := sortedFiveCommits()
	for name, indices := range map[string][]int{
		"absent":       nil,
		"empty":        {},
		"out of range": {99},
		"zero":         {0, -1},
	} {
		t.Run(name, func(t *testing.T) {
			start, end := ResolveDates(domain.TaskCandidate{CommitIndices: indices}, commits)
			assert.Equal(t, day("2024-01-01"), start)
			assert.Equal(t, day("2024-01-05"), end)
		})
	}
}

func TestResolveDatesIgnoresOutOfRangeWhenSomeValid(t *testing.T) {
	start, end := ResolveDates(domain.TaskCandidate{CommitIndices: []int{99, 3}}, sortedFiveCommits())
	assert.Equal(t, day("2024-01-03"), start)
	assert.Equal(t, day("2024-01-03"), end)
}

func TestResolveDatesSingleCommit(t *testing.T) {
	commits := sortedFiveCommits()[:1]
	start, end := ResolveDates(domain.TaskCandidate{}, commits)
	assert.Equal(t, start, end)
}

func TestAssembleNumbersAcrossProjects(t *testing.T) {
	task := func(module string) domain.ResolvedTask {
		return domain.ResolvedTask{
			TaskCandidate: domain.TaskCandidate{Module: module, Description: module + " work"},
			StartDate:     day("2024-01-01"),
			EndDate:       day("2024-01-02"),
		}
	}
	rows := Assemble([]domain.ProjectTasks{
		{Project: "web", Tasks: []domain.ResolvedTask{task("login"), task("ui")}},
		{Project: "api", Tasks: []domain.ResolvedTask{task("auth"), task("db")}},
	}, "Ada", "")
	require.Len(t, rows, 4)
	for i, r := range rows {
		assert.Equal(t, i+1, r.Seq)
		assert.Equal(t, "Ada", r.Owner)
		assert.Equal(t, domain.NoneSentinel, r.Collaborators)
		assert.Equal(t, domain.ProgressDone, r.Progress)
		assert.Equal(t, "", r.Note)
	}
	assert.Equal(t, "[web] login", rows[0].Label)
	assert.Equal(t, "[api] auth", rows[2].Label)
	assert.Equal(t, "2024-01-01", rows[3].StartDate)
	assert.Equal(t, "2024-01-02", rows[3].EndDate)
}

func TestAssembleProjectReturnsNextSeq(t *testing.T) {
	rows, next := AssembleProject(domain.ProjectTasks{Project: "web", Tasks: make([]domain.ResolvedTask, 3)}, 7, "Ada", "QA")
	assert.Equal(t, 10, next)
	assert.Equal(t, 7, rows[0].Seq)
	assert.Equal(t, "QA", rows[0].Collaborators)
}

func TestDetail(t *testing.T) {
	assert.Equal(t, "login flow", Detail("login flow", nil))
	assert.Equal(t, "login flow\nKey changes:\n• form\n• session", Detail("login flow", []string{"form", "session"}))
}

func TestAssemblePerCommit(t *testing.T) {
	c1 := domain.CommitRecord{Hash: "1", Date: day("2024-01-01"), Message: "add login", Project: "app"}
	c2 := domain.CommitRecord{Hash: "2", Date: day("2024-01-02"), Message: "fix login crash", Project: "app"}
	c3 := domain.CommitRecord{Hash: "3", Date: day("2024-01-03"), Message: "docs", Project: "web"}
	tasks, problems := AssemblePerCommit([]domain.ClassifiedCommit{
		{Type: domain.ItemTask, Category: "new feature", Description: "login", RelatedID: "#7", Commit: c1},
		{Type: domain.ItemProblem, Category: "bug fix", Description: "crash", RelatedID: domain.NoneSentinel, Commit: c2},
		{Type: domain.ItemTask, Category: "documentation", Description: "docs", RelatedID: domain.NoneSentinel, Commit: c3},
	}, "Ada", "")

	require.Len(t, tasks, 2)
	assert.Equal(t, 1, tasks[0].Seq)
	assert.Equal(t, "new feature", tasks[0].Label)
	assert.Equal(t, "[app] login", tasks[0].Detail)
	assert.Equal(t, "2024-01-01", tasks[0].StartDate)
	assert.Equal(t, "2024-01-01", tasks[0].EndDate)
	assert.Equal(t, "#7", tasks[0].Note)
	assert.Equal(t, 2, tasks[1].Seq)
	assert.Equal(t, "", tasks[1].Note)

	require.Len(t, problems, 1)
	assert.Equal(t, 1, problems[0].Seq)
	assert.Equal(t, "bug fix", problems[0].Category)
	assert.Equal(t, "[app] crash", problems[0].Description)
	assert.Equal(t, "2024-01-02", problems[0].RaisedDate)
	assert.Equal(t, "fix login crash", problems[0].Resolution)
}
