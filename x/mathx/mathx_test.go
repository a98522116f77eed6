package mathx

import (
	"testing"
	"time"
)

func TestClamp(t *testing.T) {
	if got := Clamp(5, 10, 1); got != 5 {
		t.Fatalf("swapped bounds: got %d", got)
	}
	if got := Clamp(250*time.Millisecond, time.Second, time.Hour); got != time.Second {
		t.Fatalf("duration clamp: got %v", got)
	}
	if got := Clamp(uint32(900), 0, 512); got != 512 {
		t.Fatalf("upper clamp: got %d", got)
	}
}

func TestCeilDivAlignUp(t *testing.T) {
	cases := []struct{ a, b, div, up int64 }{
		{0, 4096, 0, 0},
		{1, 4096, 1, 4096},
		{4096, 4096, 1, 4096},
		{4097, 4096, 2, 8192},
		{7, 0, 0, 0},
	}
	for _, c := range cases {
		if got := CeilDiv(c.a, c.b); got != c.div {
			t.Errorf("CeilDiv(%d,%d)=%d want %d", c.a, c.b, got, c.div)
		}
		if got := AlignUp(c.a, c.b); got != c.up {
			t.Errorf("AlignUp(%d,%d)=%d want %d", c.a, c.b, got, c.up)
		}
	}
}
