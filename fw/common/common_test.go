package common

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`c:\Program Files\app.exe`, "C:/Program Files/app.exe"},
		{"C:/dir//sub/../app.exe", "C:/dir/app.exe"},
		{"/usr/bin/curl", "/usr/bin/curl"},
		{"/usr/bin/curl/", "/usr/bin/curl"},
		{"  /usr/bin/curl ", "/usr/bin/curl"},
		{"", ""},
		// patterns keep their text, only separators normalize
		{`C:\Games\*\run.exe`, "C:/Games/*/run.exe"},
	}
	for _, tc := range cases {
		if got := NormalizePath(tc.in); got != tc.want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsWildcardPattern(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"/usr/bin/curl", false},
		{"/opt/*/bin", true},
		{"/usr/bin/tool?", true},
		{"/a\n/b", true},
	}
	for _, tc := range cases {
		if got := IsWildcardPattern(tc.in); got != tc.want {
			t.Fatalf("IsWildcardPattern(%q) = %v", tc.in, got)
		}
	}
}

func TestIsDriveFilePath(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"C:/app.exe", true},
		{"z:/app.exe", true},
		{"/usr/bin/curl", true},
		{"app.exe", false},
		{`\\share\app.exe`, false},
	}
	for _, tc := range cases {
		if got := IsDriveFilePath(tc.in); got != tc.want {
			t.Fatalf("IsDriveFilePath(%q) = %v", tc.in, got)
		}
	}
}

func TestDriveBit(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"A:/x", 1 << 0},
		{"C:/x", 1 << 2},
		{"z:/x", 1 << 25},
		{"/usr/bin/curl", 1},
		{"relative/path", 0},
	}
	for _, tc := range cases {
		if got := DriveBit(tc.in); got != tc.want {
			t.Fatalf("DriveBit(%q) = %#x, want %#x", tc.in, got, tc.want)
		}
	}
}

func TestAppBaseName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`C:\Program Files\Tool\tool.exe`, "tool"},
		{"/usr/bin/curl", "curl"},
		{"/opt/app/.hidden", ".hidden"},
	}
	for _, tc := range cases {
		if got := AppBaseName(tc.in); got != tc.want {
			t.Fatalf("AppBaseName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
