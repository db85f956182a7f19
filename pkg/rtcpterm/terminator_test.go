package rtcpterm

import (
	"testing"
	"time"

	softrtp "github.com/arzzra/soft_phone/pkg/rtp"
)

type fakeStats struct {
	blocks map[uint32]softrtp.ReceptionReport
}

func (f *fakeStats) Snapshot(ssrc uint32) (softrtp.ReceptionReport, bool) {
	b, ok := f.blocks[ssrc]
	return b, ok
}
func (f *fakeStats) TrackedSSRCs() []uint32 {
	var out []uint32
	for ssrc := range f.blocks {
		out = append(out, ssrc)
	}
	return out
}

type fakeCache struct {
	entries map[uint16]struct {
		buf     []byte
		addedAt time.Time
	}
}

func (c *fakeCache) Get(ssrc uint32, seq uint16) ([]byte, time.Time, bool) {
	e, ok := c.entries[seq]
	if !ok {
		return nil, time.Time{}, false
	}
	return e.buf, e.addedAt, true
}

type fakeRTX struct {
	sent [][]byte
}

func (r *fakeRTX) Retransmit(buf []byte) error {
	r.sent = append(r.sent, buf)
	return nil
}

type fakeFB struct {
	firCalls []uint32
}

func (f *fakeFB) SendFIR(ssrc uint32) { f.firCalls = append(f.firCalls, ssrc) }

func TestRRChunkingRespectsRFC3550Limit(t *testing.T) {
	blocks := make([]softrtp.ReceptionReport, 70)
	for i := range blocks {
		blocks[i] = softrtp.ReceptionReport{SSRC: uint32(i + 1)}
	}
	chunks := chunkBlocks(blocks, MaxBlocksPerRR)
	if len(chunks) != 3 {
		t.Fatalf("ceil(70/31) = 3, got %d chunks", len(chunks))
	}
	seen := map[uint32]bool{}
	total := 0
	for _, c := range chunks {
		if len(c) > MaxBlocksPerRR {
			t.Errorf("chunk размера %d превышает лимит %d", len(c), MaxBlocksPerRR)
		}
		total += len(c)
		for _, b := range c {
			if seen[b.SSRC] {
				t.Errorf("SSRC %d встретился более одного раза", b.SSRC)
			}
			seen[b.SSRC] = true
		}
	}
	if total != len(blocks) {
		t.Errorf("total blocks across chunks = %d, want %d", total, len(blocks))
	}
}

func TestTickInjectsCompoundRR(t *testing.T) {
	stats := &fakeStats{blocks: map[uint32]softrtp.ReceptionReport{
		1: {SSRC: 1, FractionLost: 0},
		2: {SSRC: 2, FractionLost: 5},
	}}
	var injected []byte
	term := New(Config{
		LocalSSRC: func() (uint32, bool) { return 0xABCDEF01, true },
		Stats:     stats,
		Inject:    func(buf []byte) { injected = buf },
		RemoteBitrateEstimate: func() int64 { return -1 },
	})
	term.tick()

	if injected == nil {
		t.Fatalf("tick() должен был инжектировать compound буфер")
	}
	packets, err := softrtp.ParseCompound(injected)
	if err != nil {
		t.Fatalf("ParseCompound: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("ожидался один RR пакет (2 блока умещаются в один), получено %d пакетов", len(packets))
	}
	rr, ok := packets[0].(*softrtp.ReceiverReport)
	if !ok {
		t.Fatalf("пакет не является ReceiverReport: %T", packets[0])
	}
	if len(rr.ReceptionReports) != 2 {
		t.Errorf("len(ReceptionReports) = %d, want 2", len(rr.ReceptionReports))
	}
}

func TestHandleNackRetransmitsOldEnoughCacheHit(t *testing.T) {
	now := time.Now()
	cache := &fakeCache{entries: map[uint16]struct {
		buf     []byte
		addedAt time.Time
	}{
		1000: {buf: []byte{1}, addedAt: now.Add(-200 * time.Millisecond)},
		1001: {buf: []byte{2}, addedAt: now.Add(-1 * time.Millisecond)}, // too new
	}}
	rtx := &fakeRTX{}
	term := New(Config{
		Cache:      cache,
		Retransmit: rtx,
		RTT:        func() time.Duration { return 100 * time.Millisecond },
	})

	nack := softrtp.NewNackPacket(0x1, 0xDEADBEEF, []uint16{1000, 1001, 1002})
	term.HandleNack(nack, now)

	if len(rtx.sent) != 1 {
		t.Fatalf("ожидался ровно 1 ретрансмит (seq 1000), получено %d", len(rtx.sent))
	}
	if term.Counters.PacketsRetransmitted != 1 {
		t.Errorf("PacketsRetransmitted = %d, want 1", term.Counters.PacketsRetransmitted)
	}
	if term.Counters.PacketsNotRetransmitted != 1 {
		t.Errorf("PacketsNotRetransmitted = %d, want 1 (seq 1001 слишком новый)", term.Counters.PacketsNotRetransmitted)
	}
	if term.Counters.PacketsMissingFromCache != 1 {
		t.Errorf("PacketsMissingFromCache = %d, want 1 (seq 1002 отсутствует)", term.Counters.PacketsMissingFromCache)
	}
}

func TestHandleFIRAndPLIDelegateToFeedbackSender(t *testing.T) {
	fb := &fakeFB{}
	term := New(Config{FeedbackSender: fb})

	term.HandleFIR(&softrtp.FIRPacket{MediaSSRC: 0x42})
	term.HandlePLI(&softrtp.PLIPacket{MediaSSRC: 0x43})

	if len(fb.firCalls) != 2 || fb.firCalls[0] != 0x42 || fb.firCalls[1] != 0x43 {
		t.Errorf("SendFIR calls = %v, want [0x42 0x43]", fb.firCalls)
	}
}
