package host

import (
	"bytes"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestIndicatorText(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		count   int
		want    string
	}{
		{"hidden when zero", true, 0, ""},
		{"singular", true, 1, "1 render"},
		{"plural", true, 2, "2 renders"},
		{"disabled", false, 3, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ind := NewIndicator(tt.enabled, log.New(io.Discard))
			ind.Update(tt.count)
			assert.Equal(t, tt.want, ind.Text())
		})
	}
}

func TestIndicatorLogsOnlyChanges(t *testing.T) {
	var buf bytes.Buffer
	ind := NewIndicator(true, log.New(&buf))

	ind.Update(2)
	ind.Update(2)
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("2 renders")))

	buf.Reset()
	ind.Update(0)
	assert.Empty(t, buf.String())
}
