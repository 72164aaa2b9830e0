package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExtractCommand(t *testing.T) {
	out, err := run(t, "extract", "您的验证码：482913，5 分钟内有效")
	require.NoError(t, err)
	assert.Equal(t, "482913\n", out)
}

func TestExtractCommandAllCandidates(t *testing.T) {
	out, err := run(t, "extract", "--all", "order 1234 code: 567890")
	require.NoError(t, err)
	assert.Equal(t, "1234\n567890\n", out)
}

func TestExtractCommandWithoutCode(t *testing.T) {
	_, err := run(t, "extract", "hello there")
	assert.Error(t, err)
}

func TestPollRequiresAddress(t *testing.T) {
	_, err := run(t, "poll")
	assert.Error(t, err)
}

func TestSubcommandsRegistered(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"token", "sync", "cleanup", "poll", "extract"} {
		assert.Contains(t, names, want)
	}
}
