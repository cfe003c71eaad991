package ingest

import "testing"

func TestShortFilter(t *testing.T) {
	f := NewShortFilter([]string{"ok", " Thanks ", "lol"}, 2, 5)

	cases := []struct {
		body string
		want bool
	}{
		{"ok", true},
		{"OK ", true},
		{"thanks", true},
		{"", true},
		{"   ", true},
		{"sounds good", true},
		{"See you at 7", false},
		{"Absolutely", true},
		{"call me later ok", false},
		{"héllo", true},
		{"can you call me back tonight", false},
	}
	for _, tc := range cases {
		if got := f.IsShort(tc.body); got != tc.want {
			t.Errorf("IsShort(%q) = %v, want %v", tc.body, got, tc.want)
		}
	}
}
