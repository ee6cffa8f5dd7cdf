package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatements_SplitsAndStripsComments(t *testing.T) {
	script := `-- header

CREATE TABLE a (
    id INTEGER PRIMARY KEY -- inline stays
);

-- fragment with only a comment
;

INSERT INTO a (id) VALUES (1);`

	got := statements(script)
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "CREATE TABLE a")
	assert.NotContains(t, got[0], "-- header")
	assert.Contains(t, got[1], "INSERT INTO a")
}

func TestStatements_EmptyScript(t *testing.T) {
	assert.Empty(t, statements(""))
	assert.Empty(t, statements("-- nothing but comments\n-- here"))
}
