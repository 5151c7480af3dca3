package sqlutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullStringHelpers(t *testing.T) {
	s := "john"

	assert.Equal(t, sql.NullString{String: "john", Valid: true}, ToSqlString(&s))
	assert.False(t, ToSqlString(nil).Valid)
	assert.False(t, ToSqlStringNonEmpty("").Valid)
	assert.Equal(t, "fallback", FromSqlString(sql.NullString{}, "fallback"))
	assert.Nil(t, FromSqlStringPtr(sql.NullString{}))
}

func TestNullTimeHelpers(t *testing.T) {
	local := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

	nt := ToSqlTime(&local)
	require.True(t, nt.Valid)

	back := FromSqlTime(nt)
	require.NotNil(t, back)
	assert.True(t, back.Equal(local))
	assert.Equal(t, time.UTC, back.Location())
	assert.Nil(t, FromSqlTime(sql.NullTime{}))
}

func TestQualifiedTable(t *testing.T) {
	assert.Equal(t, `"useraccess"."outbox_messages"`, QualifiedTable("useraccess", "outbox_messages"))
}
