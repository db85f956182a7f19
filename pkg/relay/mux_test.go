package relay

import (
	"sync"
	"testing"
	"time"
)

func TestMuxOutputFanOutExcludesSource(t *testing.T) {
	m := NewMuxOutput(8)
	defer m.Close()

	var mu sync.Mutex
	received := map[string][][]byte{}
	record := func(id string) func([]byte) (int, error) {
		return func(buf []byte) (int, error) {
			mu.Lock()
			received[id] = append(received[id], append([]byte(nil), buf...))
			mu.Unlock()
			return len(buf), nil
		}
	}
	m.AddDestination("A", record("A"))
	m.AddDestination("B", record("B"))

	m.Write([]byte{1, 2, 3}, "A")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received["B"])
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received["A"]) != 0 {
		t.Errorf("исключённый источник A получил %d записей, want 0", len(received["A"]))
	}
	if len(received["B"]) != 1 {
		t.Fatalf("B получил %d записей, want 1", len(received["B"]))
	}
	if string(received["B"][0]) != string([]byte{1, 2, 3}) {
		t.Errorf("B получил %v, want [1 2 3]", received["B"][0])
	}
}

func TestMuxOutputDropsOldestOnFullQueue(t *testing.T) {
	m := NewMuxOutput(1)
	defer m.Close()

	blocked := make(chan struct{})
	release := make(chan struct{})
	var blockedOnce sync.Once
	m.AddDestination("slow", func(buf []byte) (int, error) {
		blockedOnce.Do(func() { close(blocked) })
		<-release
		return len(buf), nil
	})

	m.Write([]byte{1}, "")
	<-blocked // первая запись теперь блокирует drain()

	// Эти записи должны вытеснять друг друга в ограниченной очереди без
	// блокировки вызывающего.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Write([]byte{byte(i)}, "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Write заблокировался на переполненной очереди")
	}
	close(release)
}

func TestMuxInputReadRejectsShortBuffer(t *testing.T) {
	m := NewMuxInput(4)
	defer m.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	m.SetTransferHandler(func() { wg.Done() })
	m.Offer("src", 0, false, []byte{1, 2, 3, 4, 5})
	wg.Wait()

	short := make([]byte, 2)
	if _, err := m.Read(short); err == nil {
		t.Errorf("Read в короткий буфер должен вернуть ошибку")
	}
	big := make([]byte, 5)
	n, err := m.Read(big)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}
}
