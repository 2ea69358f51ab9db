package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("2024-11")
	require.NoError(t, err)
	assert.Equal(t, Period{Year: 2024, Month: 11}, p)
	assert.Equal(t, "2024-11", p.String())
}

func TestParsePeriod_Invalid(t *testing.T) {
	for _, s := range []string{"", "2024", "2024-13", "2024-00", "24-11", "2024-1", "abcd-01"} {
		_, err := ParsePeriod(s)
		assert.Error(t, err, s)
	}
}

func TestPeriod_AddMonths(t *testing.T) {
	p := MustPeriod("2024-11")
	assert.Equal(t, "2023-11", p.AddMonths(-12).String())
	assert.Equal(t, "2025-01", p.AddMonths(2).String())
	assert.Equal(t, "2024-01", MustPeriod("2024-12").AddMonths(-11).String())
	assert.Equal(t, "2023-12", MustPeriod("2024-01").AddMonths(-1).String())
}

func TestPeriod_Ordering(t *testing.T) {
	a := MustPeriod("2023-12")
	b := MustPeriod("2024-01")
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.False(t, a.Before(a))
	assert.Equal(t, 1, b.MonthsSince(a))
	assert.Equal(t, -12, MustPeriod("2023-11").MonthsSince(MustPeriod("2024-11")))
}

func TestPeriod_JSON(t *testing.T) {
	type wrapper struct {
		P Period `json:"p"`
	}
	data, err := json.Marshal(wrapper{P: MustPeriod("2024-03")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"2024-03"}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"p":"2022-07"}`), &w))
	assert.Equal(t, MustPeriod("2022-07"), w.P)

	assert.Error(t, json.Unmarshal([]byte(`{"p":"2022-7"}`), &w))

	data, err = json.Marshal(wrapper{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":""}`, string(data))
	require.NoError(t, json.Unmarshal(data, &w))
	assert.True(t, w.P.IsZero())
}

func TestQAVerdict_Partitions(t *testing.T) {
	v := QAVerdict{
		Status: QAFail,
		Checks: []CheckResult{
			{CheckID: "A", Severity: SeverityHard, Passed: true},
			{CheckID: "B", Severity: SeverityHard, Passed: false},
			{CheckID: "C", Severity: SeveritySoft, Passed: false},
		},
	}
	require.Len(t, v.Failed(), 1)
	assert.Equal(t, "B", v.Failed()[0].CheckID)
	require.Len(t, v.Warnings(), 1)
	assert.Equal(t, "C", v.Warnings()[0].CheckID)

	c, ok := v.Check("A")
	assert.True(t, ok)
	assert.True(t, c.Passed)
	assert.False(t, QAFail.Publishable())
	assert.True(t, QAWarn.Publishable())
}
