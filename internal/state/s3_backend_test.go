package state

import (
	"testing"

	"github.com/cartstream-io/cartstream/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3BackendRequiresBucket(t *testing.T) {
	_, err := newS3Backend(&ir.BackendConfig{Type: "s3"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestNewS3BackendDefaults(t *testing.T) {
	cfg := &ir.BackendConfig{
		Type:   "s3",
		Bucket: "shop-state",
	}
	b, err := newS3Backend(cfg, "")
	// May fail on AWS config load in CI without credentials, which is expected
	if err != nil {
		t.Skipf("Skipping S3 backend test (no AWS credentials): %v", err)
	}
	s3b, ok := b.(*s3Backend)
	require.True(t, ok)
	assert.Equal(t, "shop-state", s3b.bucket)
	assert.Equal(t, "cartstream/state.json", s3b.key)
	assert.Equal(t, "us-east-1", s3b.region)
	assert.Empty(t, s3b.lockTable)
	assert.False(t, s3b.encrypt)
}

func TestNewS3BackendCustomConfig(t *testing.T) {
	cfg := &ir.BackendConfig{
		Type:      "s3",
		Bucket:    "shop-state",
		Region:    "eu-west-1",
		LockTable: "cartstream-locks",
		Encrypt:   true,
		Profile:   "staging",
	}
	b, err := newS3Backend(cfg, "pipelines/shop/staging/state.json")
	if err != nil {
		t.Skipf("Skipping S3 backend test (no AWS credentials): %v", err)
	}
	s3b, ok := b.(*s3Backend)
	require.True(t, ok)
	assert.Equal(t, "shop-state", s3b.bucket)
	assert.Equal(t, "pipelines/shop/staging/state.json", s3b.key)
	assert.Equal(t, "eu-west-1", s3b.region)
	assert.Equal(t, "cartstream-locks", s3b.lockTable)
	assert.True(t, s3b.encrypt)
}

func TestSerializeState(t *testing.T) {
	state := &ir.State{
		Version: ir.StateVersion,
		Serial:  2,
		Lineage: "abc-123",
	}
	content, err := SerializeState(state)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"version": 1`)
	assert.Contains(t, string(content), `"serial": 2`)
	assert.Contains(t, string(content), `"lineage": "abc-123"`)

	parsed, err := ParseState(content)
	require.NoError(t, err)
	assert.Equal(t, state.Serial, parsed.Serial)
	assert.Equal(t, state.Lineage, parsed.Lineage)
}

func TestCheckSerial(t *testing.T) {
	remote := &ir.State{Serial: 4, Lineage: "abc"}

	assert.NoError(t, checkSerial(remote, &ir.State{Serial: 5, Lineage: "abc"}))

	err := checkSerial(remote, &ir.State{Serial: 4, Lineage: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")

	err = checkSerial(remote, &ir.State{Serial: 9, Lineage: "other"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lineage")

	// A fresh remote accepts any incoming state.
	assert.NoError(t, checkSerial(&ir.State{}, &ir.State{Serial: 1, Lineage: "abc"}))
}

func TestNewBackendRejectsNilConfig(t *testing.T) {
	_, err := NewBackend(nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil")
}

func TestNewBackendRejectsUnknownType(t *testing.T) {
	_, err := NewBackend(&ir.BackendConfig{Type: "redis"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend type")
}

func TestNewBackendLocalFallback(t *testing.T) {
	_, err := NewBackend(&ir.BackendConfig{Type: "local"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state.Manager")
}

func TestNewBackendHTTPNotImplemented(t *testing.T) {
	_, err := NewBackend(&ir.BackendConfig{Type: "http"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not yet implemented")
}
