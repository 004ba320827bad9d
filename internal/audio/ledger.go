package audio

// streamLedger accounts for one PCM stream pulled by a device that reads
// fixed-size buffers and is fed silence whenever the stream runs dry.
type streamLedger struct {
	queue  []byte
	queued int64 // stream bytes appended
	read   int64 // stream bytes the device has taken
	fed    int64 // bytes handed to the device, silence included
	tail   int64 // fed offset just past the last stream byte
}

func (l *streamLedger) push(pcm []byte) {
	l.queue = append(l.queue, pcm...)
	l.queued += int64(len(pcm))
}

// fill copies queued audio into p and pads the remainder with silence.
func (l *streamLedger) fill(p []byte) {
	n := copy(p, l.queue)
	l.queue = l.queue[n:]
	l.read += int64(n)
	if n > 0 {
		l.tail = l.fed + int64(n)
	}
	l.fed += int64(len(p))
	clear(p[n:])
}

// unplayed returns how many stream bytes the device has taken but not yet
// played while it still holds buffered bytes. Silence is always fed after
// stream audio, so anything unplayed before tail is stream audio.
func (l *streamLedger) unplayed(buffered int64) int64 {
	n := l.tail - (l.fed - buffered)
	if n < 0 {
		n = 0
	}
	if n > l.read {
		n = l.read
	}
	return n
}

// played returns stream bytes that have reached the speaker.
func (l *streamLedger) played(buffered int64) int64 {
	return l.read - l.unplayed(buffered)
}

func (l *streamLedger) drained(buffered int64) bool {
	return len(l.queue) == 0 && l.unplayed(buffered) == 0
}

// rewind drops the stream but keeps device offsets.
func (l *streamLedger) rewind() {
	l.queue = nil
	l.queued = 0
	l.read = 0
}

// restart forgets everything, for a freshly created device player.
func (l *streamLedger) restart() {
	*l = streamLedger{}
}
