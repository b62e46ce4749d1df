package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/repository/sqlite"
	"github.com/colloquy/colloquy/internal/db/dialect"
)

const scenarioYAML = `
metadata:
  id: order-dispute
  title: Order dispute
agents:
  - agentId: customer
    systemPrompt: You are a frustrated customer.
  - agentId: support
    systemPrompt: You are a support agent.
    tools:
      - toolName: issue_refund
        description: Refund the order
        endsConversation: true
        conversationEndStatus: refunded
`

const scenarioJSON = `{
  "metadata": {"id": "quick-check", "title": "Quick check"},
  "agents": [{"agentId": "a"}, {"agentId": "b"}]
}`

func writeSeed(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadScenarioFile_YAML(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir, "dispute.yaml", scenarioYAML)

	sc, err := loadScenarioFile(filepath.Join(dir, "dispute.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "order-dispute", sc.Metadata.ID)
	require.Len(t, sc.Agents, 2)
	require.Len(t, sc.Agents[1].Tools, 1)
	assert.True(t, sc.Agents[1].Tools[0].EndsConversation)
	assert.Equal(t, "refunded", sc.Agents[1].Tools[0].ConversationEndStatus)
}

func TestLoadScenarioFile_JSON(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir, "check.json", scenarioJSON)

	sc, err := loadScenarioFile(filepath.Join(dir, "check.json"))
	require.NoError(t, err)
	assert.Equal(t, "quick-check", sc.Metadata.ID)
}

func TestLoadScenarioFile_RejectsIncomplete(t *testing.T) {
	dir := t.TempDir()
	writeSeed(t, dir, "no-id.yaml", "metadata:\n  title: nameless\nagents:\n  - agentId: a\n")
	writeSeed(t, dir, "no-agents.yaml", "metadata:\n  id: empty\n")

	_, err := loadScenarioFile(filepath.Join(dir, "no-id.yaml"))
	assert.Error(t, err)
	_, err = loadScenarioFile(filepath.Join(dir, "no-agents.yaml"))
	assert.Error(t, err)
}

func TestSeedScenarios_SkipsExisting(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	handle, err := sqlx.Open(dialect.SQLite3, ":memory:")
	require.NoError(t, err)
	handle.SetMaxOpenConns(1)
	t.Cleanup(func() { handle.Close() })

	repo, err := sqlite.NewWithDB(handle, handle)
	require.NoError(t, err)

	dir := t.TempDir()
	writeSeed(t, dir, "dispute.yaml", scenarioYAML)
	writeSeed(t, dir, "check.json", scenarioJSON)
	writeSeed(t, dir, "notes.txt", "not a scenario")
	writeSeed(t, dir, "broken.yaml", ":\nnot yaml at all {")

	ctx := context.Background()
	require.NoError(t, seedScenarios(ctx, repo, dir, log))

	list, err := repo.ListScenarios(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// Re-seeding after an operator edit must not clobber the stored version.
	stored, err := repo.GetActiveScenario(ctx, "order-dispute")
	require.NoError(t, err)
	stored.Metadata.Title = "Edited by operator"
	require.NoError(t, repo.UpdateScenario(ctx, "order-dispute", stored))

	require.NoError(t, seedScenarios(ctx, repo, dir, log))

	stored, err = repo.GetActiveScenario(ctx, "order-dispute")
	require.NoError(t, err)
	assert.Equal(t, "Edited by operator", stored.Metadata.Title)
}
