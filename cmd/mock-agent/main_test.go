package main

import (
	"testing"
	"time"
)

func TestParseDelayFromArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want time.Duration
	}{
		{name: "none", args: []string{"mock-agent"}, want: 0},
		{name: "separate value", args: []string{"mock-agent", "--chunk-delay", "50ms"}, want: 50 * time.Millisecond},
		{name: "equals", args: []string{"mock-agent", "--chunk-delay=1s"}, want: time.Second},
		{name: "missing value", args: []string{"mock-agent", "--chunk-delay"}, want: 0},
		{name: "invalid", args: []string{"mock-agent", "--chunk-delay=soon"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseDelayFromArgs(tt.args); got != tt.want {
				t.Errorf("parseDelayFromArgs(%v) = %v, want %v", tt.args, got, tt.want)
			}
		})
	}
}
