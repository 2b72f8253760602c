package voice

import "testing"

func TestWakeDetectorPrefix(t *testing.T) {
	d := NewWakeDetector([]string{"hey computer", "computer"}, 0)
	cases := []struct {
		text   string
		ok     bool
		phrase string
		rest   string
	}{
		{"Hey computer, turn on the lights.", true, "hey computer", "turn on the lights"},
		{"computer", true, "computer", ""},
		{"Computer! what time is it?", true, "computer", "what time is it"},
		{"my computer is slow", false, "", ""},
		{"", false, "", ""},
	}
	for _, tc := range cases {
		phrase, rest, ok := d.Detect(tc.text)
		if ok != tc.ok || phrase != tc.phrase || rest != tc.rest {
			t.Errorf("Detect(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.text, phrase, rest, ok, tc.phrase, tc.rest, tc.ok)
		}
	}
}

func TestWakeDetectorWindow(t *testing.T) {
	d := NewWakeDetector([]string{"okay computer"}, 3)
	if _, rest, ok := d.Detect("um well okay computer play music"); !ok || rest != "play music" {
		t.Fatalf("window match: ok=%v rest=%q", ok, rest)
	}
	if _, _, ok := d.Detect("one two three four okay computer"); ok {
		t.Fatal("match beyond the window")
	}
}
