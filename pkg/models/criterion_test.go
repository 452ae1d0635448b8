package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCriterionRejectsEmpty(t *testing.T) {
	_, err := NewCriterion("", " ", "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPrecondition))

	_, err = NewCriterion("", "", "", "", "", "  ")
	require.Error(t, err, "blank tags do not count")
}

func TestNewCriterionNormalizesTags(t *testing.T) {
	c, err := NewCriterion("", "", "", "", "b", "a", "b", " c ")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, c.Tags)
}

func TestParseCriterion(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Criterion
	}{
		{"tags only", "TAGS=sched:adhoc,type:yarn", Criterion{Tags: []string{"sched:adhoc", "type:yarn"}}},
		{"id only", "ID=cluster-1", Criterion{ID: "cluster-1"}},
		{"all fields", "ID=i/NAME=n/VERSION=v/STATUS=UP/TAGS=t1,t2",
			Criterion{ID: "i", Name: "n", Version: "v", Status: "UP", Tags: []string{"t1", "t2"}}},
		{"name and status", "NAME=spark/STATUS=ACTIVE", Criterion{Name: "spark", Status: "ACTIVE"}},
		{"tags are trimmed", "TAGS= a , ,b", Criterion{Tags: []string{"a", "b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCriterion(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCriterionErrors(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"NAME",
		"NAME=",
		"FOO=bar",
		"NAME=a/ID=b",
		"NAME=a/NAME=b",
		"TAGS=,,",
		"ID=a/",
		"/ID=a",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, err := ParseCriterion(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPrecondition))
		})
	}
}

func TestCriterionStringRoundTrip(t *testing.T) {
	c := MustCriterion("i", "n", "", "UP", "z", "a")
	assert.Equal(t, "ID=i/NAME=n/STATUS=UP/TAGS=a,z", c.String())

	parsed, err := ParseCriterion(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestCriterionMerge(t *testing.T) {
	job := MustCriterion("", "prod", "", "", "sched:sla")
	cmd := MustCriterion("", "", "", "UP", "type:yarn")

	merged, ok := job.Merge(cmd)
	require.True(t, ok)
	assert.Equal(t, "prod", merged.Name)
	assert.Equal(t, "UP", merged.Status)
	assert.Equal(t, []string{"sched:sla", "type:yarn"}, merged.Tags)

	_, ok = job.Merge(MustCriterion("", "test", "", ""))
	assert.False(t, ok, "conflicting names must not merge")

	same, ok := job.Merge(MustCriterion("", "prod", "", ""))
	require.True(t, ok)
	assert.Equal(t, job, same)
}

func TestKindOf(t *testing.T) {
	inner := NewError(ErrNotFound, "store", "application a1")
	outer := WrapError(ErrPrecondition, "coordinator", inner, "resolve failed")

	assert.True(t, errors.Is(outer, ErrPrecondition))
	assert.True(t, errors.Is(outer, ErrNotFound))
	assert.Equal(t, ErrPrecondition, KindOf(outer))
	assert.Equal(t, "Precondition", KindName(outer))
	assert.Equal(t, "none", KindName(nil))
	assert.Equal(t, ErrServer, KindOf(errors.New("boom")))
	assert.Equal(t, ErrUserLimitExceeded, KindFromName("UserLimitExceeded"))
}
