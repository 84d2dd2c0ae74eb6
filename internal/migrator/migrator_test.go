package migrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/model"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"
)

func schemaWith(cols ...sourcestore.Column) *sourcestore.Schema {
	return &sourcestore.Schema{Table: "orders", Columns: cols, PrimaryKey: []string{"id"}}
}

func TestTransform_NilSchemasPassThrough(t *testing.T) {
	row := model.Row{"id": model.Int64Value(1)}
	out, err := Transform(row, nil, schemaWith(), StrategyStrict)
	require.NoError(t, err)
	assert.Equal(t, row, out)
}

func TestTransform_NoneStrategyPassesThrough(t *testing.T) {
	archived := schemaWith(sourcestore.Column{Name: "id", DataType: "integer"})
	live := schemaWith(sourcestore.Column{Name: "id", DataType: "bigint"})
	row := model.Row{"id": model.Int64Value(1)}
	out, err := Transform(row, archived, live, StrategyNone)
	require.NoError(t, err)
	assert.Equal(t, row, out)
}

func TestTransform_StrictAbortsOnRemovedColumn(t *testing.T) {
	archived := schemaWith(sourcestore.Column{Name: "id", DataType: "integer"}, sourcestore.Column{Name: "legacy_flag", DataType: "boolean"})
	live := schemaWith(sourcestore.Column{Name: "id", DataType: "integer"})
	row := model.Row{"id": model.Int64Value(1), "legacy_flag": model.BoolValue(true)}

	_, err := Transform(row, archived, live, StrategyStrict)
	require.Error(t, err)
	var migErr *Error
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, "legacy_flag", migErr.Column)
}

func TestTransform_LenientDropsRemovedColumn(t *testing.T) {
	archived := schemaWith(sourcestore.Column{Name: "id", DataType: "integer"}, sourcestore.Column{Name: "legacy_flag", DataType: "boolean"})
	live := schemaWith(sourcestore.Column{Name: "id", DataType: "integer"})
	row := model.Row{"id": model.Int64Value(1), "legacy_flag": model.BoolValue(true)}

	out, err := Transform(row, archived, live, StrategyLenient)
	require.NoError(t, err)
	_, present := out["legacy_flag"]
	assert.False(t, present)
}

func TestTransform_StrictAbortsOnTypeChange(t *testing.T) {
	archived := schemaWith(sourcestore.Column{Name: "amount", DataType: "numeric"})
	live := schemaWith(sourcestore.Column{Name: "amount", DataType: "text"})
	row := model.Row{"amount": model.DecimalValue("19.99")}

	_, err := Transform(row, archived, live, StrategyStrict)
	require.Error(t, err)
}

func TestTransform_LenientDoesNotCoerceTypeChanges(t *testing.T) {
	archived := schemaWith(sourcestore.Column{Name: "amount", DataType: "numeric"})
	live := schemaWith(sourcestore.Column{Name: "amount", DataType: "integer"})
	row := model.Row{"amount": model.DecimalValue("19.99")}

	out, err := Transform(row, archived, live, StrategyLenient)
	require.NoError(t, err)
	assert.Equal(t, model.DecimalValue("19.99"), out["amount"])
}

func TestTransform_TransformCoercesNumericTypes(t *testing.T) {
	archived := schemaWith(sourcestore.Column{Name: "amount", DataType: "numeric"})
	live := schemaWith(sourcestore.Column{Name: "amount", DataType: "double precision"})
	row := model.Row{"amount": model.DecimalValue("19.99")}

	out, err := Transform(row, archived, live, StrategyTransform)
	require.NoError(t, err)
	assert.Equal(t, model.Float64Value(19.99), out["amount"])
}

func TestTransform_TransformSetsNullOnUnparseableCoercion(t *testing.T) {
	archived := schemaWith(sourcestore.Column{Name: "amount", DataType: "text"})
	live := schemaWith(sourcestore.Column{Name: "amount", DataType: "integer"})
	row := model.Row{"amount": model.TextValue("not-a-number")}

	out, err := Transform(row, archived, live, StrategyTransform)
	require.NoError(t, err)
	assert.True(t, out["amount"].IsNull())
}

func TestTransform_AddedColumnDefaultsNullableToNull(t *testing.T) {
	archived := schemaWith(sourcestore.Column{Name: "id", DataType: "integer"})
	live := schemaWith(sourcestore.Column{Name: "id", DataType: "integer"}, sourcestore.Column{Name: "notes", DataType: "text", Nullable: true})
	row := model.Row{"id": model.Int64Value(1)}

	out, err := Transform(row, archived, live, StrategyLenient)
	require.NoError(t, err)
	assert.True(t, out["notes"].IsNull())
}

func TestTransform_AddedColumnDefaultsNotNullToTypeDefault(t *testing.T) {
	archived := schemaWith(sourcestore.Column{Name: "id", DataType: "integer"})
	live := schemaWith(sourcestore.Column{Name: "id", DataType: "integer"}, sourcestore.Column{Name: "retry_count", DataType: "integer", Nullable: false})
	row := model.Row{"id": model.Int64Value(1)}

	out, err := Transform(row, archived, live, StrategyLenient)
	require.NoError(t, err)
	assert.Equal(t, model.Int64Value(0), out["retry_count"])
}

func TestTransform_StrictAbortsOnNullInNewNotNullColumn(t *testing.T) {
	archived := schemaWith(sourcestore.Column{Name: "email", DataType: "text", Nullable: true})
	live := schemaWith(sourcestore.Column{Name: "email", DataType: "text", Nullable: false})
	row := model.Row{"email": model.Null()}

	_, err := Transform(row, archived, live, StrategyStrict)
	require.Error(t, err)
}

func TestTransform_LenientFillsDefaultOnNullInNewNotNullColumn(t *testing.T) {
	archived := schemaWith(sourcestore.Column{Name: "email", DataType: "text", Nullable: true})
	live := schemaWith(sourcestore.Column{Name: "email", DataType: "text", Nullable: false})
	row := model.Row{"email": model.Null()}

	out, err := Transform(row, archived, live, StrategyLenient)
	require.NoError(t, err)
	assert.Equal(t, model.TextValue(""), out["email"])
}

func TestConvert_SameTypeIsNoop(t *testing.T) {
	v, err := convert(model.Int64Value(5), "integer", "integer")
	require.NoError(t, err)
	assert.Equal(t, model.Int64Value(5), v)
}

func TestConvert_NullPassesThrough(t *testing.T) {
	v, err := convert(model.Null(), "integer", "text")
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestConvert_NumericToText(t *testing.T) {
	v, err := convert(model.Int64Value(42), "integer", "varchar")
	require.NoError(t, err)
	assert.Equal(t, model.TextValue("42"), v)
}

func TestToInt64_ParsesDecimalString(t *testing.T) {
	v, err := toInt64(model.DecimalValue("7.0"))
	require.NoError(t, err)
	assert.Equal(t, model.Int64Value(7), v)
}

func TestToInt64_ErrorsOnUnparseableText(t *testing.T) {
	_, err := toInt64(model.TextValue("abc"))
	assert.Error(t, err)
}

func TestToFloat64_ErrorsOnUnparseableText(t *testing.T) {
	_, err := toFloat64(model.TextValue("abc"))
	assert.Error(t, err)
}
