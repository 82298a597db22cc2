package starling

import "testing"

func TestSendBufferDropsOldestWhenFull(t *testing.T) {
	buf := NewSendBuffer(2, nil)
	buf.Add(&NotificationFrame{Topic: "a"})
	buf.Add(&NotificationFrame{Topic: "b"})
	buf.Add(&NotificationFrame{Topic: "c"})

	if buf.Len() != 2 {
		t.Fatalf("expected length 2, got %d", buf.Len())
	}

	var flushed []string
	buf.Flush(func() bool { return true }, func(f Frame) error {
		flushed = append(flushed, f.(*NotificationFrame).Topic)
		return nil
	})

	if len(flushed) != 2 || flushed[0] != "b" || flushed[1] != "c" {
		t.Errorf("expected oldest ('a') dropped and FIFO order preserved, got %v", flushed)
	}
}

func TestSendBufferFlushNoopWhenDisconnected(t *testing.T) {
	buf := NewSendBuffer(10, nil)
	buf.Add(&NotificationFrame{Topic: "a"})

	called := false
	buf.Flush(func() bool { return false }, func(f Frame) error {
		called = true
		return nil
	})

	if called {
		t.Errorf("expected Flush to be a no-op while disconnected")
	}
	if buf.Len() != 1 {
		t.Errorf("expected buffered frame to remain, got len %d", buf.Len())
	}
}

func TestSendBufferFlushRetainsFailedWrites(t *testing.T) {
	buf := NewSendBuffer(10, nil)
	buf.Add(&NotificationFrame{Topic: "a"})
	buf.Add(&NotificationFrame{Topic: "b"})

	attempt := 0
	buf.Flush(func() bool { return true }, func(f Frame) error {
		attempt++
		if f.(*NotificationFrame).Topic == "a" {
			return errTestWrite
		}
		return nil
	})

	if buf.Len() != 1 {
		t.Fatalf("expected the failed write to remain buffered, got len %d", buf.Len())
	}

	var flushed []string
	buf.Flush(func() bool { return true }, func(f Frame) error {
		flushed = append(flushed, f.(*NotificationFrame).Topic)
		return nil
	})
	if len(flushed) != 1 || flushed[0] != "a" {
		t.Errorf("expected retained frame 'a' to flush on retry, got %v", flushed)
	}
}

func TestSendBufferClear(t *testing.T) {
	buf := NewSendBuffer(10, nil)
	buf.Add(&NotificationFrame{Topic: "a"})
	buf.Clear()
	if buf.Len() != 0 {
		t.Errorf("expected empty buffer after Clear, got %d", buf.Len())
	}
}

var errTestWrite = &ProtocolError{Code: "TEST_WRITE", Message: "write failed"}
