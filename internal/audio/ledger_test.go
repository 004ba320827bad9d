package audio

import (
	"bytes"
	"testing"
)

func TestStreamLedgerFillPadsWithSilence(t *testing.T) {
	var l streamLedger
	l.push([]byte{1, 2, 3})

	buf := bytes.Repeat([]byte{9}, 8)
	l.fill(buf)
	if !bytes.Equal(buf, []byte{1, 2, 3, 0, 0, 0, 0, 0}) {
		t.Fatalf("unexpected device buffer %v", buf)
	}
	if l.read != 3 || l.fed != 8 || l.tail != 3 {
		t.Fatalf("unexpected accounting read=%d fed=%d tail=%d", l.read, l.fed, l.tail)
	}

	l.fill(buf)
	if l.tail != 3 || l.fed != 16 {
		t.Fatalf("silence moved tail: tail=%d fed=%d", l.tail, l.fed)
	}
}

func TestStreamLedgerUnplayed(t *testing.T) {
	var l streamLedger
	l.push(make([]byte, 10))
	l.fill(make([]byte, 4)) // fed 4, tail 4
	l.fill(make([]byte, 4)) // fed 8, tail 8

	tests := []struct {
		name     string
		buffered int64
		unplayed int64
	}{
		{"everything buffered", 8, 8},
		{"half played", 4, 4},
		{"all played", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := l.unplayed(tt.buffered); got != tt.unplayed {
				t.Fatalf("unplayed = %d, want %d", got, tt.unplayed)
			}
			if got := l.played(tt.buffered); got != 8-tt.unplayed {
				t.Fatalf("played = %d, want %d", got, 8-tt.unplayed)
			}
		})
	}
	if l.drained(0) {
		t.Fatal("queued audio should keep the stream from draining")
	}

	l.fill(make([]byte, 4)) // last 2 stream bytes then 2 of silence
	if got := l.unplayed(4); got != 2 {
		t.Fatalf("unplayed = %d, want 2 with silence buffered behind it", got)
	}
	if l.drained(4) {
		t.Fatal("stream audio still in the device buffer")
	}
	if !l.drained(2) {
		t.Fatal("only silence left buffered, stream should be drained")
	}
	if got := l.unplayed(100); got != l.read {
		t.Fatalf("unplayed %d should be capped at read %d", got, l.read)
	}
}

func TestStreamLedgerRewindAndRestart(t *testing.T) {
	var l streamLedger
	l.push(make([]byte, 6))
	l.fill(make([]byte, 4))

	l.rewind()
	if l.queued != 0 || l.read != 0 || len(l.queue) != 0 {
		t.Fatalf("rewind kept stream state: %+v", l)
	}
	if l.fed != 4 {
		t.Fatalf("rewind dropped device offset fed=%d", l.fed)
	}
	if !l.drained(0) {
		t.Fatal("rewound stream should be drained")
	}

	l.restart()
	if l.queue != nil || l.queued != 0 || l.read != 0 || l.fed != 0 || l.tail != 0 {
		t.Fatalf("restart left state behind: %+v", l)
	}
}
