package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckClientVersion(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{version: "v0.4.0", want: true},
		{version: "0.4.0", want: true},
		{version: "v0.5.1", want: true},
		{version: "v1.0.0", want: true},
		{version: "v0.3.9", want: false},
		{version: "0.3.9", want: false},
		{version: "garbage", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckClientVersion(tt.version))
		})
	}
}
