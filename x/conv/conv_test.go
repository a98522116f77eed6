package conv

import "testing"

func TestAppendHex(t *testing.T) {
	cases := []struct {
		n     uint64
		width int
		want  string
	}{
		{0x30, 4, "0030"},
		{0xFFFF, 4, "FFFF"},
		{0, 4, "0000"},
		{0, 0, ""},
		{0x12345, 4, "12345"},
		{0xDEADBEEF, 8, "DEADBEEF"},
		{^uint64(0), 20, "FFFFFFFFFFFFFFFF"},
	}
	for _, tc := range cases {
		if got := string(AppendHex(nil, tc.n, tc.width)); got != tc.want {
			t.Errorf("AppendHex(%#x, %d) = %q, want %q", tc.n, tc.width, got, tc.want)
		}
	}
	if got := string(AppendHex([]byte("Id=0x"), 0x31, 4)); got != "Id=0x0031" {
		t.Errorf("prefix lost: %q", got)
	}
}

func TestAppendUint(t *testing.T) {
	for n, want := range map[uint64]string{0: "0", 1: "1", 10: "10", 18446744073709551615: "18446744073709551615"} {
		if got := string(AppendUint(nil, n)); got != want {
			t.Errorf("AppendUint(%d) = %q, want %q", n, got, want)
		}
	}
}
