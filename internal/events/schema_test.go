package events

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDir_WhenSchemasPresent_ThenRegistersByFileName(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "factory.alert.json"), []byte(`{"type":"object","required":["level"]}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	registry := NewSchemaRegistry()

	// Act
	n, err := registry.LoadDir(dir)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, registry.Len())
	assert.NoError(t, registry.Validate("factory.alert", []byte(`{"level":"INFO"}`)))
	var ve *ValidationError
	assert.True(t, errors.As(registry.Validate("factory.alert", []byte(`{}`)), &ve))
}

func TestLoadDir_WhenSchemaMalformed_ThenError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"type":`), 0o600))

	_, err := NewSchemaRegistry().LoadDir(dir)

	assert.Error(t, err)
}

func TestValidate_WhenNoSchemaForType_ThenAccepts(t *testing.T) {
	assert.NoError(t, NewSchemaRegistry().Validate("anything", []byte(`[1,2,3]`)))
}
