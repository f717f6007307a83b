package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMembership_ActiveAt(t *testing.T) {
	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	m := Membership{StartsAt: start, EndsAt: start.AddDate(1, 0, 0)}

	assert.True(t, m.ActiveAt(start), "start is inclusive")
	assert.True(t, m.ActiveAt(start.AddDate(0, 6, 0)))
	assert.False(t, m.ActiveAt(start.AddDate(1, 0, 0)), "end is exclusive")
	assert.False(t, m.ActiveAt(start.Add(-time.Second)))
}

func TestPurpose_Valid(t *testing.T) {
	assert.True(t, PurposeRent.Valid())
	assert.True(t, PurposeSell.Valid())
	assert.False(t, Purpose("lend").Valid())
}
