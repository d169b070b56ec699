package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/logger"
)

func TestReportErrorLogsAtError(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.WithWriter(&buf), logger.WithLevel(slog.LevelError))
	t.Cleanup(func() { logger.Init() })

	code := reportError(api.Errorf(api.InputNotFound, "/data/flair.nii.gz", "input file not found"))

	assert.Equal(t, 2, code)
	out := buf.String()
	assert.Contains(t, out, "ERR")
	assert.Contains(t, out, "input-not-found")
	assert.Contains(t, out, "/data/flair.nii.gz: input file not found")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("input file not found")))
}
