package objectstore

import (
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
)

var testArchivedAt = time.Date(2026, 3, 5, 13, 45, 30, 0, time.UTC)

func TestKey_WithPrefix(t *testing.T) {
	s := &Store{cfg: Config{Prefix: "archives"}}
	assert.Equal(t, "archives/acct/orders/year=2026/month=03/day=05/orders_20260305T134530Z_batch_001.jsonl.gz",
		s.Key("acct", "orders", testArchivedAt, 1))
}

func TestKey_WithoutPrefix(t *testing.T) {
	s := &Store{}
	assert.Equal(t, "acct/orders/year=2026/month=03/day=05/orders_20260305T134530Z_batch_001.jsonl.gz",
		s.Key("acct", "orders", testArchivedAt, 1))
}

func TestMetadataKey_SiblingOfDataKey(t *testing.T) {
	s := &Store{cfg: Config{Prefix: "archives"}}
	assert.Equal(t, "archives/acct/orders/year=2026/month=03/day=05/orders_20260305T134530Z_batch_001.metadata.json",
		s.MetadataKey("acct", "orders", testArchivedAt, 1))
}

func TestManifestKey_SiblingOfDataKey(t *testing.T) {
	s := &Store{cfg: Config{Prefix: "archives"}}
	assert.Equal(t, "archives/acct/orders/year=2026/month=03/day=05/orders_20260305T134530Z_batch_001.manifest.json",
		s.ManifestKey("acct", "orders", testArchivedAt, 1))
}

func TestControlKey(t *testing.T) {
	s := &Store{cfg: Config{Prefix: "archives"}}
	assert.Equal(t, "archives/acct/orders/.watermark.json", s.ControlKey("acct", "orders", ".watermark.json"))
}

func TestClassify_NotFoundIsFatal(t *testing.T) {
	s := &Store{}
	err := s.classify(&types.NoSuchKey{}, "get object")
	assert.Equal(t, errtax.ClassObjectFatal, errtax.ClassOf(err))
	assert.False(t, errtax.IsTransient(err))
}

func TestClassify_OtherErrorsAreTransient(t *testing.T) {
	s := &Store{}
	err := s.classify(errors.New("connection reset"), "put object")
	assert.Equal(t, errtax.ClassObjectTransient, errtax.ClassOf(err))
	assert.True(t, errtax.IsTransient(err))
}

func TestClassify_NilIsNil(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.classify(nil, "noop"))
}

func TestStorageClass_EmptyIsUnset(t *testing.T) {
	assert.Equal(t, types.StorageClass(""), storageClass(""))
	assert.Equal(t, types.StorageClass("GLACIER"), storageClass("GLACIER"))
}

func TestServerSideEncryption_Mapping(t *testing.T) {
	assert.Equal(t, types.ServerSideEncryption(""), serverSideEncryption("none"))
	assert.Equal(t, types.ServerSideEncryptionAes256, serverSideEncryption("SSE-S3"))
	assert.Equal(t, types.ServerSideEncryptionAwsKms, serverSideEncryption("SSE-KMS"))
}
