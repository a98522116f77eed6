package memflash

import (
	"errors"
	"testing"

	"fwupdate-go/errcode"
)

func TestWriteRequiresUnlock(t *testing.T) {
	f := New(4096, 1024, 1)
	if _, err := f.WriteAt([]byte{1}, 0); errcode.Of(err) != errcode.FlashFault {
		t.Fatalf("locked write: got %v", err)
	}
	if err := f.Unlock(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{1, 2, 3}, 10); err != nil {
		t.Fatalf("unlocked write: %v", err)
	}
	if got := f.Bytes()[10:13]; got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected contents %v", got)
	}
}

func TestNORSemantics(t *testing.T) {
	f := New(4096, 1024, 1)
	_ = f.Unlock()
	if _, err := f.WriteAt([]byte{0x0F}, 0); err != nil {
		t.Fatal(err)
	}
	// Same value is a no-op program.
	if _, err := f.WriteAt([]byte{0x0F}, 0); err != nil {
		t.Fatalf("rewrite same value: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xF0}, 0); !errors.Is(err, errcode.NotErased) {
		t.Fatalf("overwrite without erase: got %v", err)
	}
	if err := f.EraseBlocks(0, 1); err != nil {
		t.Fatal(err)
	}
	if f.Bytes()[0] != 0xFF {
		t.Fatal("erase did not restore 0xFF")
	}
	if err := f.EraseBlocks(3, 2); !errors.Is(err, errcode.OutOfRange) {
		t.Fatalf("erase past end: got %v", err)
	}
}

func TestFaultInjection(t *testing.T) {
	f := New(4096, 1024, 1)
	boom := errors.New("boom")

	f.Fail(OpUnlock, boom)
	if err := f.Unlock(); err != boom {
		t.Fatalf("unlock fault: got %v", err)
	}
	f.Fail(OpUnlock, nil)

	f.Fail(OpLock, boom)
	_ = f.Unlock()
	if err := f.Lock(); err != boom {
		t.Fatalf("lock fault: got %v", err)
	}
	if !f.Locked() {
		t.Fatal("a failing lock must still leave the part locked")
	}
}

func TestOptionsAndLaunch(t *testing.T) {
	f := New(4096, 1024, 1)
	var launched []bool
	f.OnLaunch = func(swap bool) { launched = append(launched, swap) }

	if err := f.SetSwapBank(true); err == nil {
		t.Fatal("option write while locked should fail")
	}
	_ = f.Unlock()
	if err := f.SetSwapBank(true); err != nil {
		t.Fatal(err)
	}
	if err := f.Launch(); err != nil {
		t.Fatal(err)
	}
	if swap, _ := f.SwapBank(); !swap {
		t.Fatal("swap bit not persisted")
	}
	if f.Launches != 1 || len(launched) != 1 || !launched[0] {
		t.Fatalf("launch hook: count=%d calls=%v", f.Launches, launched)
	}
}
