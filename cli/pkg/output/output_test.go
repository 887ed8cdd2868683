package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessages(t *testing.T) {
	color.NoColor = true

	tests := []struct {
		name   string
		write  func(*bytes.Buffer)
		prefix string
	}{
		{"success", func(b *bytes.Buffer) { Success(b, "done %d", 3) }, "✓ done 3"},
		{"error", func(b *bytes.Buffer) { Error(b, "failed") }, "✗ failed"},
		{"info", func(b *bytes.Buffer) { Info(b, "note") }, "note"},
		{"warn", func(b *bytes.Buffer) { Warn(b, "careful") }, "⚠ careful"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.write(&buf)
			assert.Equal(t, tt.prefix+"\n", buf.String())
		})
	}
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, map[string]int{"count": 2}))

	var got map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 2, got["count"])
	assert.Contains(t, buf.String(), "\n  ")
}

func TestTable(t *testing.T) {
	color.NoColor = true

	table := NewTable([]string{"ID", "Title"})
	table.AddRow([]string{"1", "Suspicious Activity from 10.0.0.5"})
	table.AddRow([]string{"22", "short"})
	assert.Equal(t, 2, table.Len())

	var buf bytes.Buffer
	table.Render(&buf)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")

	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "ID  Title"))
	assert.True(t, strings.HasPrefix(lines[1], "--  ---"))
	assert.True(t, strings.HasPrefix(lines[3], "22  short"))
}

func TestVisibleLen(t *testing.T) {
	assert.Equal(t, 4, visibleLen("\x1b[31mhigh\x1b[0m"))
	assert.Equal(t, 6, visibleLen("medium"))
}
