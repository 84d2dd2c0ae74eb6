package sourcestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertQuery_Skip(t *testing.T) {
	q, err := insertQuery("orders", []string{"id", "amount"}, ConflictSkip, nil)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "orders" ("id", "amount") VALUES ($1, $2) ON CONFLICT DO NOTHING`, q)
}

func TestInsertQuery_Fail(t *testing.T) {
	q, err := insertQuery("orders", []string{"id"}, ConflictFail, nil)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "orders" ("id") VALUES ($1)`, q)
}

func TestInsertQuery_UpsertRequiresConflictTarget(t *testing.T) {
	q, err := insertQuery("orders", []string{"id", "amount"}, ConflictUpsert, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "orders" ("id", "amount") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "id" = EXCLUDED."id", "amount" = EXCLUDED."amount"`, q)
}

func TestInsertQuery_UpsertWithoutPrimaryKeyErrors(t *testing.T) {
	_, err := insertQuery("orders", []string{"id", "amount"}, ConflictUpsert, nil)
	assert.Error(t, err)
}

func TestInsertQuery_OverwriteUsesCompositeConflictTarget(t *testing.T) {
	q, err := insertQuery("line_items", []string{"order_id", "sku", "qty"}, ConflictOverwrite, []string{"order_id", "sku"})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "line_items" ("order_id", "sku", "qty") VALUES ($1, $2, $3) ON CONFLICT ("order_id", "sku") DO UPDATE SET "order_id" = EXCLUDED."order_id", "sku" = EXCLUDED."sku", "qty" = EXCLUDED."qty"`, q)
}
