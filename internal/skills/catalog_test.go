package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, root, dir, manifest string) string {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, ManifestFilename), []byte(manifest), 0o644))
	return skillDir
}

const pdfSkill = `---
name: pdf-report
description: Build PDF reports from tabular data.
allowed-tools: read_file write_file crm/search
---
# PDF reports

Use the render script with rows and columns.
`

const legacySkill = `---
name: summarize
description: Summarize long documents.
tools:
  - read_file
---
Summarize carefully.
`

func TestLoadParsesHeaderForms(t *testing.T) {
	root := t.TempDir()

	dir := writeSkill(t, root, "pdf", pdfSkill)
	skill, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "pdf-report", skill.Name)
	assert.Equal(t, "Build PDF reports from tabular data.", skill.Description)
	assert.Equal(t, []string{"read_file", "write_file", "crm/search"}, skill.AllowedTools)

	dir = writeSkill(t, root, "sum", legacySkill)
	skill, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"read_file"}, skill.AllowedTools)
}

func TestLoadRejectsBrokenManifests(t *testing.T) {
	root := t.TempDir()

	dir := writeSkill(t, root, "noname", "---\ndescription: x\n---\nbody")
	_, err := Load(dir)
	require.Error(t, err)

	dir = writeSkill(t, root, "nohead", "just a body")
	_, err = Load(dir)
	require.Error(t, err)
}

func TestSkillBodyAndResolve(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "pdf", pdfSkill)
	skill, err := Load(dir)
	require.NoError(t, err)

	body, err := skill.Body()
	require.NoError(t, err)
	assert.Contains(t, body, "# PDF reports")
	assert.NotContains(t, body, "allowed-tools")

	_, err = skill.Resolve("../outside")
	require.Error(t, err)
	_, err = skill.Resolve("/abs")
	require.Error(t, err)

	path, err := skill.Resolve("scripts/render.js")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scripts", "render.js"), path)
}

func TestCatalogScanDedupeAndPrompt(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	writeSkill(t, rootA, "pdf", pdfSkill)
	writeSkill(t, rootA, "sum", legacySkill)
	// Same name in a second directory is ignored.
	writeSkill(t, rootB, "pdf-dup", pdfSkill)

	catalog := NewCatalog([]string{rootA, rootB, filepath.Join(rootB, "missing")}, nil)
	require.NoError(t, catalog.Scan())

	require.Len(t, catalog.List(), 2)
	kept, ok := catalog.Get("pdf-report")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(rootA, "pdf"), kept.Dir)

	block := catalog.PromptBlock()
	assert.Contains(t, block, "<name>pdf-report</name>")
	assert.Contains(t, block, "<description>Summarize long documents.</description>")
	assert.NotContains(t, block, "render script")
}

func TestCatalogPromptBlockEmpty(t *testing.T) {
	catalog := NewCatalog([]string{t.TempDir()}, nil)
	require.NoError(t, catalog.Scan())
	assert.Empty(t, catalog.PromptBlock())
}

func TestWatchBlocksUntilCancelled(t *testing.T) {
	// Watch holds the calling goroutine for its whole lifetime; callers that
	// have more to do must start it on its own goroutine.
	catalog := NewCatalog([]string{t.TempDir()}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- catalog.Watch(ctx, time.Millisecond)
	}()

	select {
	case err := <-done:
		t.Fatalf("Watch returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}
