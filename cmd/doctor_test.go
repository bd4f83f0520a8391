package cmd

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/simpilot/internal/config"
	"github.com/billm/simpilot/internal/version"
	"github.com/billm/simpilot/pkg/types"
)

func TestRunChecksCountsFailures(t *testing.T) {
	var out bytes.Buffer
	failed := runChecks(&out, []check{
		{name: "good", run: func() (string, error) { return "fine", nil }},
		{name: "bad", run: func() (string, error) { return "", errors.New("broken") }},
	})

	assert.Equal(t, 1, failed)
	assert.Contains(t, out.String(), "good")
	assert.Contains(t, out.String(), "fine")
	assert.Contains(t, out.String(), "broken")
}

func TestCheckExecutable(t *testing.T) {
	dir := t.TempDir()

	exe := filepath.Join(dir, "simpilot-agent")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	assert.NoError(t, checkExecutable(exe))

	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	assert.True(t, types.IsErrCode(checkExecutable(plain), types.ErrCodeInvalidArgument))

	assert.True(t, types.IsErrCode(checkExecutable(filepath.Join(dir, "missing")), types.ErrCodeNotFound))
	assert.Error(t, checkExecutable(dir))
}

func TestCheckTemplate(t *testing.T) {
	s := config.DefaultSupervisorConfig()
	s.ResourceDir = filepath.Join("..", "resources")
	assert.NoError(t, checkTemplate(s))

	s.ResourceDir = t.TempDir()
	assert.True(t, types.IsErrCode(checkTemplate(s), types.ErrCodeTemplateMissing))
}

func TestCheckPortFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	assert.True(t, types.IsErrCode(checkPortFree(addr), types.ErrCodeUnavailable))

	require.NoError(t, ln.Close())
	assert.NoError(t, checkPortFree(addr))
}

func TestVersionLine(t *testing.T) {
	line := versionLine(version.GetVersionInfo())
	assert.Contains(t, line, version.GetVersion())
	assert.Contains(t, line, runtime.GOOS+"/"+runtime.GOARCH)
}
