package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowListContains(t *testing.T) {
	a := NewAllowList("cl.exe", "link", "CC", " ", "")

	tests := []struct {
		argv0 string
		want  bool
	}{
		{"cl.exe", true},
		{"cl", true},
		{`C:\Program Files\VC\bin\CL.EXE`, true},
		{"/usr/bin/cc", true},
		{"link.exe", true},
		{"lib.exe", false},
		{"gcc", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.Contains(tt.argv0), tt.argv0)
	}
	assert.Equal(t, []string{"cc", "cl", "link"}, a.Names())
	assert.Equal(t, 3, a.Len())
}

func TestEmptyAllowList(t *testing.T) {
	var a AllowList
	assert.False(t, a.Contains("cc"))
	assert.Equal(t, 0, a.Len())
}
