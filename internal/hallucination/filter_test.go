package hallucination

import "testing"

func TestFilterDropsKnownOutputs(t *testing.T) {
	f := New()
	for _, text := range []string{
		"[BLANK_AUDIO]",
		" (Music playing) ",
		"♪ ♪",
		"Thank you.",
		"Thank   YOU for watching",
		"Bye!",
		"...sorry...",
		"Hmm.",
		"ok",
		"1 2 3 4 5",
		"and and and",
		"it is the",
		"go and run and jump and hide",
		"",
	} {
		if got := f.Apply(text); got != "" {
			t.Errorf("expected %q to be filtered, got %q", text, got)
		}
	}
}

func TestFilterKeepsSpeech(t *testing.T) {
	f := New()
	for _, text := range []string{
		"the quick brown fox",
		"schedule the meeting for tuesday",
		"lights on",
	} {
		if got := f.Apply("  " + text + " "); got != text {
			t.Errorf("expected %q to survive, got %q", text, got)
		}
	}
}

func TestFilterExtraPatterns(t *testing.T) {
	f := New("  Subscribe ", "")
	if got := f.Apply("please SUBSCRIBE to the channel"); got != "" {
		t.Fatalf("expected custom pattern to filter, got %q", got)
	}
	if got := New().Apply("please subscribe to the channel"); got == "" {
		t.Fatal("default filter must not know custom patterns")
	}
}

func TestApplySegments(t *testing.T) {
	f := New()
	got := f.ApplySegments([]string{" turn on", "[music]", "the kitchen lights ", "thank you"})
	if got != "turn on the kitchen lights" {
		t.Fatalf("unexpected join %q", got)
	}
	if got := f.ApplySegments(nil); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestFilterKeepsSpeechContainingSilencePhrases(t *testing.T) {
	f := New()
	for _, text := range []string{
		"sorry I missed the standup",
		"thank you for fixing the build",
		"he shook my hand",
		"say bye to grandma",
		"well... let me think",
	} {
		if got := f.Apply(text); got != text {
			t.Errorf("expected %q to survive, got %q", text, got)
		}
	}
	if got := f.ApplySegments([]string{"sorry I'm late", "Thank you."}); got != "sorry I'm late" {
		t.Fatalf("expected only the standalone phrase to drop, got %q", got)
	}
}
