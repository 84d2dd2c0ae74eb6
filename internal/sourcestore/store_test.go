package sourcestore

import (
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/model"
)

func TestCursorPredicate_FirstBatch(t *testing.T) {
	p := SelectParams{TimestampColumn: "created_at", PrimaryKey: "id"}
	assert.Equal(t, "", cursorPredicate(p))
}

func TestCursorPredicate_SubsequentBatch(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := SelectParams{
		TimestampColumn: "created_at",
		PrimaryKey:      "id",
		Cursor:          Cursor{LastTimestamp: &ts, LastPK: int64(42)},
	}
	clause := cursorPredicate(p)
	assert.Contains(t, clause, `"created_at" > $3`)
	assert.Contains(t, clause, `"id" > $4`)
}

func TestQuoteIdent_EscapesReservedCharacters(t *testing.T) {
	assert.Equal(t, `"order"`, quoteIdent("order"))
}

func TestQuoteIdent_SchemaQualified(t *testing.T) {
	assert.Equal(t, `"archive"."orders"`, quoteIdent("archive.orders"))
}

func TestSortPKs_OrdersIndependentlyOfInput(t *testing.T) {
	got := sortPKs([]any{3, 1, 2})
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestToValue_PreservesIntegerAndTimestampKinds(t *testing.T) {
	assert.Equal(t, model.Int64Value(7), toValue(int32(7)))

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, model.TimestampValue(ts), toValue(ts))

	assert.True(t, toValue(nil).IsNull())
}

func TestNumericToValue_RendersAsDecimalString(t *testing.T) {
	var n pgtype.Numeric
	err := n.Scan("19.99")
	assert.NoError(t, err)

	v := numericToValue(n)
	assert.Equal(t, model.KindDecimal, v.Kind)
	assert.Equal(t, "19.99", v.Decimal)
}

func TestNumericToValue_InvalidIsNull(t *testing.T) {
	v := numericToValue(pgtype.Numeric{Valid: false})
	assert.True(t, v.IsNull())
}

func TestClassifyPG_SerializationFailureIsTransient(t *testing.T) {
	err := classifyPG(&pgconn.PgError{Code: "40001", Message: "could not serialize access"}, "select batch")
	assert.True(t, errtax.IsTransient(err))
	assert.Equal(t, errtax.ClassSourceTransient, errtax.ClassOf(err))
}

func TestClassifyPG_ConstraintViolationIsFatal(t *testing.T) {
	err := classifyPG(&pgconn.PgError{Code: "23505", Message: "duplicate key"}, "delete batch")
	assert.False(t, errtax.IsTransient(err))
	assert.Equal(t, errtax.ClassSourceFatal, errtax.ClassOf(err))
}

func TestClassifyPG_NilIsNil(t *testing.T) {
	assert.NoError(t, classifyPG(nil, "noop"))
}

func TestIsTransientSQLState(t *testing.T) {
	cases := map[string]bool{
		"40001": true,
		"40P01": true,
		"55P03": true,
		"08006": true,
		"23505": false,
		"42601": false,
	}
	for code, want := range cases {
		assert.Equal(t, want, isTransientSQLState(code), fmt.Sprintf("code %s", code))
	}
}
