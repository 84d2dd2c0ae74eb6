package sourcestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitTable_Bare(t *testing.T) {
	schema, name := splitTable("orders")
	assert.Equal(t, "", schema)
	assert.Equal(t, "orders", name)
}

func TestSplitTable_SchemaQualified(t *testing.T) {
	schema, name := splitTable("archive.orders")
	assert.Equal(t, "archive", schema)
	assert.Equal(t, "orders", name)
}
