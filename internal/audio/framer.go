package audio

import "sync"

// BytesPerSample is the width of one mono PCM16 sample
const BytesPerSample = 2

// Framer re-slices a PCM16 byte stream so every emitted chunk ends on a
// sample boundary. Pipe reads can split a sample; the dangling byte is
// carried into the next Push.
type Framer struct {
	mu      sync.Mutex
	pending []byte
}

// NewFramer creates an empty framer
func NewFramer() *Framer {
	return &Framer{}
}

// Push appends data and returns the longest sample-aligned prefix.
// The returned slice is owned by the caller.
func (f *Framer) Push(data []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return nil
	}

	buf := make([]byte, 0, len(f.pending)+len(data))
	buf = append(buf, f.pending...)
	buf = append(buf, data...)

	aligned := len(buf) - len(buf)%BytesPerSample
	f.pending = append(f.pending[:0], buf[aligned:]...)

	if aligned == 0 {
		return nil
	}
	return buf[:aligned]
}

// Pending returns the number of carried bytes
func (f *Framer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Reset drops any carried bytes
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = f.pending[:0]
}

// DurationMs returns the playback length of n PCM16 mono bytes
func DurationMs(n, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return n / BytesPerSample * 1000 / sampleRate
}
