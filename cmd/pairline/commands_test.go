package main

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line      string
		isCommand bool
		want      command
	}{
		{"/start", true, command{name: "start"}},
		{"  /SWITCH  ", true, command{name: "switch"}},
		{"/say hello there", true, command{name: "say", arg: "hello there"}},
		{"hello", false, command{arg: "hello"}},
		{"   ", false, command{}},
	}
	for _, tt := range tests {
		got, ok := parseCommand(tt.line)
		if ok != tt.isCommand || got != tt.want {
			t.Errorf("parseCommand(%q) = %+v, %v; want %+v, %v", tt.line, got, ok, tt.want, tt.isCommand)
		}
	}
}
