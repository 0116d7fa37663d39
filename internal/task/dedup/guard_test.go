package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmanager/internal/task"
)

func mustRecord(t *testing.T, kind task.Kind, interval int, unit task.Unit, p task.Params) task.Record {
	t.Helper()
	r, err := task.NewRecord(kind, interval, unit, p)
	require.NoError(t, err)
	return r
}

func TestEqual(t *testing.T) {
	t.Parallel()
	base := mustRecord(t, task.DeleteFiles, 1, task.Days, task.Params{
		"directory": "/tmp/x", "age_days": 30, "formats": []string{".log", ".tmp"},
	})

	same := mustRecord(t, task.DeleteFiles, 1, task.Days, task.Params{
		"directory": "/tmp/x", "age_days": float64(30), "formats": []any{".log", ".tmp"},
	})
	same.Name = "other"
	assert.True(t, Equal(base, same), "int vs float and typed vs untyped lists must match after normalization")

	reordered := mustRecord(t, task.DeleteFiles, 1, task.Days, task.Params{
		"directory": "/tmp/x", "age_days": 30, "formats": []string{".tmp", ".log"},
	})
	assert.False(t, Equal(base, reordered), "list order matters")

	otherInterval := base
	otherInterval.Interval = 2
	assert.False(t, Equal(base, otherInterval))

	otherUnit := base
	otherUnit.Unit = task.Hours
	assert.False(t, Equal(base, otherUnit))

	a := task.Record{Kind: task.FetchRate, Interval: 1, Unit: task.Hours}
	b := task.Record{Kind: task.FetchRate, Interval: 1, Unit: task.Hours, Params: task.Params{}}
	assert.True(t, Equal(a, b), "nil and empty params are the same configuration")
}

func TestIsDuplicateAndFind(t *testing.T) {
	t.Parallel()
	r1 := mustRecord(t, task.FetchRate, 1, task.Hours, nil)
	r2 := mustRecord(t, task.OrganizeFiles, 5, task.Minutes, task.Params{"directory": "/srv/in"})

	existing := map[string]task.Record{"FetchRate_task_1": r1, "OrganizeFiles_task_1": r2}
	list := []task.Record{r1, r2}

	cand := mustRecord(t, task.OrganizeFiles, 5, task.Minutes, task.Params{"directory": "/srv/in"})
	assert.True(t, IsDuplicate(list, cand))
	name, ok := Find(existing, cand)
	assert.True(t, ok)
	assert.Equal(t, "OrganizeFiles_task_1", name)

	cand.Params = task.Params{"directory": "/srv/other"}
	assert.False(t, IsDuplicate(list, cand))
	_, ok = Find(existing, cand)
	assert.False(t, ok)
}
