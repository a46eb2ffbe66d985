package search

import "testing"

func TestRecordID(t *testing.T) {
	cases := map[string]string{
		"home.md":            "home-md",
		"guides/setup.md":    "guides-setup-md",
		"data/q3 report.csv": "data-q3-report-csv",
		"a_b-c.md":           "a_b-c-md",
	}
	for path, want := range cases {
		if got := RecordID(path); got != want {
			t.Errorf("RecordID(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestTitleOf(t *testing.T) {
	cases := map[string]string{
		"home.md":         "home",
		"guides/setup.md": "setup",
		"data/table.csv":  "table",
		"README":          "README",
		".hidden":         ".hidden",
	}
	for path, want := range cases {
		if got := TitleOf(path); got != want {
			t.Errorf("TitleOf(%q) = %q, want %q", path, got, want)
		}
	}
}
