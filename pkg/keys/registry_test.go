package keys

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/carvalue-api/pkg/errors"
)

func TestParseKeyList(t *testing.T) {
	parsed, err := Parse("k1:first-secret, k2:second:with:colons ,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "first-secret", "k2": "second:with:colons"}, parsed)

	_, err = Parse("k1")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")

	_, err = Parse("k1:a,k1:b")
	require.Error(t, err)

	_, err = Parse(" , ")
	require.Error(t, err)
}

func TestRegistryCurrentAndLookup(t *testing.T) {
	reg, err := NewRegistry("k2", map[string]string{"k1": "old", "k2": "new"})
	require.NoError(t, err)

	current, err := reg.Current()
	require.NoError(t, err)
	assert.Equal(t, "k2", current.ID)
	assert.Equal(t, []byte("new"), current.Secret)

	old, err := reg.Lookup("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), old.Secret)

	_, err = reg.Lookup("k9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrKeyNotFound))
	assert.Equal(t, []string{"k1", "k2"}, reg.IDs())
}

func TestNewRegistryRejectsMissingCurrent(t *testing.T) {
	_, err := NewRegistry("missing", map[string]string{"k1": "secret"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrKeyNotFound))

	_, err = NewRegistry("k1", map[string]string{"k1": ""})
	require.Error(t, err)
}
