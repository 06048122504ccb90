package export

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", `""`},
		{"plain", `"plain"`},
		{`say "hi"`, `"say ""hi"""`},
		{"a,b", `"a,b"`},
		{"line\nbreak", "\"line\nbreak\""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quote(tt.in))
	}
}

func TestWriter_Rows(t *testing.T) {
	var buf bytes.Buffer
	cw := NewWriter(&buf)

	require.NoError(t, cw.Write("id", "note"))
	require.NoError(t, cw.Write("1", `a "quoted" note`))
	require.NoError(t, cw.Flush())

	assert.Equal(t, "\"id\",\"note\"\n\"1\",\"a \"\"quoted\"\" note\"\n", buf.String())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestWriter_ErrorSticks(t *testing.T) {
	cw := NewWriter(failingWriter{})

	require.NoError(t, cw.Write("buffered"))
	err := cw.Flush()
	assert.ErrorContains(t, err, "disk full")

	// Subsequent calls keep failing.
	assert.Error(t, cw.Flush())
}
