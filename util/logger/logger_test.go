package logger_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/digitalgoods/fulfillment-services/util/logger"
	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	dir := t.TempDir()
	log, filename := logger.InitLogger(dir, logging.INFO)
	require.NotNil(t, log)
	assert.Equal(t, dir, filepath.Dir(filename))
	log.Info("fulfillment worker started")
	data, err := os.ReadFile(filename)
	require.Nil(t, err)
	assert.Contains(t, string(data), "[INFO] fulfillment worker started")
}

func TestInitLoggerStderr(t *testing.T) {
	log, filename := logger.InitLogger("", logging.DEBUG)
	assert.NotNil(t, log)
	assert.Empty(t, filename)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "<empty>", logger.Redact(""))
	assert.Equal(t, "****", logger.Redact("short"))
	redacted := logger.Redact("1f0d6b3c9a8e7d6c5b4a")
	assert.Equal(t, "1f0d****(20 chars)", redacted)
	assert.NotContains(t, redacted, "9a8e7d6c")
}

func TestRedactAll(t *testing.T) {
	text := "GET /user/get_session_token.php?email=buyer@example.com&password=hunter2hunter2"
	redacted := logger.RedactAll(text, "hunter2hunter2", "")
	assert.NotContains(t, redacted, "hunter2hunter2")
	assert.Contains(t, redacted, "buyer@example.com")
}
