package repository

import (
	"testing"
	"time"

	"mailsync/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDocument_FillsIndexColumns(t *testing.T) {
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	raw, err := decodeDocument("e1", created, []byte(`{"type":"received","subject":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "e1", raw["id"])
	assert.Equal(t, "2024-05-01T08:00:00Z", raw["createdAt"])

	raw, err = decodeDocument("e2", created, []byte(`{"createdAt":{"_seconds":1}}`))
	require.NoError(t, err)
	assert.IsType(t, map[string]any{}, raw["createdAt"], "document value wins")

	_, err = decodeDocument("e3", created, []byte(`{`))
	assert.Error(t, err)
}

func TestWithUpdatedAt_DoesNotMutateInput(t *testing.T) {
	patch := map[string]any{"starred": true}
	out := withUpdatedAt(patch, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))

	assert.Len(t, patch, 1)
	assert.Equal(t, true, out["starred"])
	assert.Equal(t, "2024-05-01T08:00:00Z", out["updatedAt"])
}

func TestFolderPredicate(t *testing.T) {
	for _, f := range model.Folders {
		where, err := folderPredicate(f)
		require.NoError(t, err, f)
		assert.NotEmpty(t, where)
	}
	_, err := folderPredicate("archive")
	assert.Error(t, err)
}

func TestScopeColumn(t *testing.T) {
	col, err := scopeColumn(model.FieldAssignee)
	require.NoError(t, err)
	assert.Equal(t, "assigned_to", col)

	_, err = scopeColumn("subject; DROP TABLE emails")
	assert.Error(t, err)
}
