package provider_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponchohq/poncho/internal/provider"
	"github.com/ponchohq/poncho/internal/provider/providertest"
	"github.com/ponchohq/poncho/pkg/models"
)

func TestGenerateConsumesStream(t *testing.T) {
	fake := providertest.New(providertest.TextTurn("hel", "lo"))

	final, err := provider.Generate(context.Background(), fake, &provider.Request{
		Messages: []models.Message{models.TextMessage(models.RoleUser, "hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", final.Text)
	assert.Empty(t, final.ToolCalls)
	assert.Equal(t, 1, fake.Calls())
}

func TestGenerateSurfacesStreamError(t *testing.T) {
	boom := errors.New("transport down")
	fake := providertest.New(providertest.Turn{Chunks: []string{"par"}, Err: boom})

	_, err := provider.Generate(context.Background(), fake, &provider.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestResolveUnknownProvider(t *testing.T) {
	_, err := provider.Resolve("acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model provider")
}
