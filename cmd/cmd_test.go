package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRetention(t *testing.T) {
	days, minCount, err := parseRetention("30, 2")
	require.NoError(t, err)
	assert.Equal(t, 30, days)
	assert.Equal(t, 2, minCount)

	for _, bad := range []string{"30", "x,2", "30,y", "-1,2", ""} {
		_, _, err := parseRetention(bad)
		assert.Error(t, err, bad)
	}
}

func TestPrompt(t *testing.T) {
	var out bytes.Buffer
	ask := prompt(strings.NewReader("y\nno\nYES\n"), &out)
	assert.True(t, ask("first?"))
	assert.False(t, ask("second?"))
	assert.True(t, ask("third?"))
	assert.False(t, ask("input exhausted?"))
	assert.Contains(t, out.String(), "first? [y/N]")
}

func TestExecute_ExitCodes(t *testing.T) {
	root := t.TempDir()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	rootCmd.SetArgs([]string{"--root", root, "list", "--oneline"})
	assert.Equal(t, 0, Execute())

	rootCmd.SetArgs([]string{"--root", root, "backup", "--data", "user"})
	assert.Equal(t, 1, Execute(), "no hosts configured")
}
