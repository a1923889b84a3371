package bayes

import "testing"

func TestUntrainedScoreIsNeutral(t *testing.T) {
	f := New()
	if got := f.Score("hello world this is a test message"); got != 0.5 {
		t.Errorf("untrained score = %v, want 0.5", got)
	}
}

func TestTrainedSpamScoresHigher(t *testing.T) {
	f := New()
	for i := 0; i < 20; i++ {
		f.Train("buy viagra cheap pills now limited offer", true)
		f.Train("hi team here is the quarterly report attached", false)
	}

	spamScore := f.Score("buy cheap viagra pills now")
	hamScore := f.Score("here is the quarterly report")

	if spamScore <= hamScore {
		t.Errorf("expected spam score (%v) > ham score (%v)", spamScore, hamScore)
	}
	if spamScore <= 0.5 {
		t.Errorf("expected spam score above neutral, got %v", spamScore)
	}
	if hamScore >= 0.5 {
		t.Errorf("expected ham score below neutral, got %v", hamScore)
	}
}

func TestTokenizeSpecialTokens(t *testing.T) {
	text := "Visit http://evil.example.com NOW!!! Contact a@b.com or call 555-123-4567 for $1,000 off"
	tokens := Tokenize(text)

	want := []string{"URL:evil.example.com", "DOMAIN:b.com", "HAS_MONEY", "HAS_PHONE", "EXCESSIVE_PUNCTUATION"}
	for _, w := range want {
		if !contains(tokens, w) {
			t.Errorf("expected token %q in %v", w, tokens)
		}
	}
}

func TestConcurrentTrainAndScore(t *testing.T) {
	f := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			f.Train("concurrent test message body", i%2 == 0)
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		f.Score("concurrent test message body")
	}
	<-done
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
