package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var depts = []string{"planning", "development", "qa"}

func TestParseItems(t *testing.T) {
	raw := `[
		{"title": "Add endpoint", "description": "new API", "department": "development"},
		{"title": "Verify", "description": "regression pass", "department": "qa"}
	]`
	items, err := ParseItems(raw, depts)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Add endpoint", items[0].Title)
	assert.Equal(t, "development", items[0].Department)
	assert.Equal(t, "qa", items[1].Department)
}

func TestParseItemsFenced(t *testing.T) {
	raw := "```json\n[{\"title\": \"Fix\", \"description\": \"d\", \"department\": \"qa\"}]\n```"
	items, err := ParseItems(raw, depts)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Fix", items[0].Title)
}

func TestParseItemsUnknownDepartment(t *testing.T) {
	raw := `[{"title": "Fix", "description": "d", "department": "marketing"}]`
	_, err := ParseItems(raw, depts)
	assert.Error(t, err)
}

func TestParseItemsEmpty(t *testing.T) {
	_, err := ParseItems("[]", depts)
	assert.Error(t, err)

	_, err = ParseItems("not json", depts)
	assert.Error(t, err)
}

func TestParseItemsMissingTitle(t *testing.T) {
	raw := `[{"description": "d", "department": "qa"}]`
	_, err := ParseItems(raw, depts)
	assert.Error(t, err)
}
