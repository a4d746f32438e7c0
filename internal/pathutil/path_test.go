package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpand(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	t.Setenv("PAYDIST_TEST_DIR", "/srv/paydist")
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  ", ""},
		{"~", home},
		{"~/keys/report.pem", filepath.Join(home, "keys/report.pem")},
		{"$PAYDIST_TEST_DIR/book.yaml", "/srv/paydist/book.yaml"},
		{"${PAYDIST_TEST_DIR}/ca.pem", "/srv/paydist/ca.pem"},
		{"reports/out.csv", "reports/out.csv"},
		{"~other/x", "~other/x"},
	}
	for _, tc := range cases {
		got, err := Expand(tc.in)
		if err != nil {
			t.Fatalf("Expand(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Expand(%q) = %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveIsAbsolute(t *testing.T) {
	got, err := Resolve("reports")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !filepath.IsAbs(got) || filepath.Base(got) != "reports" {
		t.Fatalf("Resolve(reports) = %q", got)
	}
	if got, _ := Resolve(""); got != "" {
		t.Fatalf("Resolve(\"\") = %q", got)
	}
}
