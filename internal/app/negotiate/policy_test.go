package negotiate

import (
	"testing"
	"time"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}

	// Past the doubling range the delay pins to the cap.
	if got := p.Delay(10); got != 30*time.Second {
		t.Fatalf("Delay(10) = %v, want 30s", got)
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.Exhausted(p.MaxAttempts) {
		t.Fatal("the final attempt is still within budget")
	}
	if !p.Exhausted(p.MaxAttempts + 1) {
		t.Fatal("one past the budget must exhaust")
	}
}
