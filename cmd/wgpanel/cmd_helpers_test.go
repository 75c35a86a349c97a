package main

import (
	"bufio"
	"strings"
	"testing"
	"time"
)

func TestValidateHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "hostname lowercased",
			input: "VPN.Example.com",
			want:  "vpn.example.com",
		},
		{
			name:  "ipv4 unchanged",
			input: "203.0.113.7",
			want:  "203.0.113.7",
		},
		{
			name:  "bracketed ipv6 unwrapped",
			input: "[2001:db8::1]",
			want:  "2001:db8::1",
		},
		{
			name:  "leading and trailing whitespace trimmed",
			input: "  vpn.example.com  ",
			want:  "vpn.example.com",
		},
		{
			name:    "empty string errors",
			input:   "",
			wantErr: true,
		},
		{
			name:    "whitespace-only errors",
			input:   "   ",
			wantErr: true,
		},
		{
			name:    "url errors",
			input:   "https://vpn.example.com",
			wantErr: true,
		},
		{
			name:    "host with port errors",
			input:   "vpn.example.com:51820",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := validateHost(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("validateHost(%q) = %q, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("validateHost(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("validateHost(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	got := splitList(" 1.1.1.1, ,9.9.9.9,")
	if len(got) != 2 || got[0] != "1.1.1.1" || got[1] != "9.9.9.9" {
		t.Errorf("splitList() = %q", got)
	}
	if got := splitList(""); got != nil {
		t.Errorf("splitList(\"\") = %q, want nil", got)
	}
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{2*time.Minute + 5*time.Second, "2m5s"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrompts(t *testing.T) {
	t.Parallel()

	scanner := bufio.NewScanner(strings.NewReader("\nvpn.example.com\nyes\n\n"))

	if got := promptString(scanner, "Host", "default"); got != "default" {
		t.Errorf("empty answer = %q, want default", got)
	}
	if got := promptString(scanner, "Host", ""); got != "vpn.example.com" {
		t.Errorf("answer = %q", got)
	}
	if !promptYesNo(scanner, "Overwrite?", false) {
		t.Error("yes answer returned false")
	}
	if !promptYesNo(scanner, "Overwrite?", true) {
		t.Error("empty answer should return the default")
	}
	if got := promptString(scanner, "Host", "eof"); got != "eof" {
		t.Errorf("EOF answer = %q, want default", got)
	}
}
