package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: level, JSONOutput: true, Output: &buf})
	return &buf
}

func TestChildLoggersChainInline(t *testing.T) {
	buf := capture(t, DebugLevel)

	// Chaining a level method directly on the child-logger constructors is
	// how most call sites use them; it must work without an intermediate
	// variable.
	WithComponent("api").Info().Str("addr", ":8470").Msg("listening")
	WithMigration("mig-1").Warn().Msg("progress flush failed")
	WithPhase("mig-1", "import_blobs").Debug().Msg("starting")

	out := buf.String()
	assert.Contains(t, out, `"component":"api"`)
	assert.Contains(t, out, `"addr":":8470"`)
	assert.Contains(t, out, `"migration_id":"mig-1"`)
	assert.Contains(t, out, `"phase":"import_blobs"`)
}

func TestChildLoggersCompose(t *testing.T) {
	buf := capture(t, InfoLevel)

	logger := WithComponent("jobs").With().Int("worker", 3).Logger()
	logger.Info().Msg("worker started")

	out := buf.String()
	assert.Contains(t, out, `"component":"jobs"`)
	assert.Contains(t, out, `"worker":3`)
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, WarnLevel)

	WithComponent("housekeeper").Debug().Msg("suppressed")
	WithComponent("housekeeper").Warn().Msg("visible")

	out := buf.String()
	require.NotContains(t, out, "suppressed")
	assert.Contains(t, out, "visible")
}
