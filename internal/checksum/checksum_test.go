package checksum

import "testing"

func TestSum(t *testing.T) {
	// sha256("")
	const empty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Sum(nil); got != empty {
		t.Errorf("Sum(nil) = %s", got)
	}
	if Sum([]byte("a")) == Sum([]byte("b")) {
		t.Error("distinct inputs collide")
	}
}

func TestShort(t *testing.T) {
	got := Short([]byte("tickets"))
	if len(got) != 12 {
		t.Fatalf("len = %d", len(got))
	}
	if got != Sum([]byte("tickets"))[:12] {
		t.Error("Short is not a prefix of Sum")
	}
}
