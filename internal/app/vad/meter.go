package vad

import (
	"math"
	"sync"

	"github.com/pion/rtp"
)

// PCMMeter turns raw int16 samples into an RMS level over the window since the last read.
type PCMMeter struct {
	mu     sync.Mutex
	sumSq  float64
	n      int
	closed bool
}

func NewPCMMeter() *PCMMeter { return &PCMMeter{} }

func (m *PCMMeter) Write(samples []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, s := range samples {
		v := float64(s) / 32768
		m.sumSq += v * v
	}
	m.n += len(samples)
}

func (m *PCMMeter) Level() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrSourceGone
	}
	if m.n == 0 {
		return 0, nil
	}
	rms := math.Sqrt(m.sumSq / float64(m.n))
	m.sumSq, m.n = 0, 0
	return rms, nil
}

func (m *PCMMeter) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// RTPLevelMeter reads the RFC 6464 audio level a sender stamps on each RTP
// packet, so remote speech is detected without decoding.
type RTPLevelMeter struct {
	extID uint8

	mu     sync.Mutex
	peak   float64
	closed bool
}

func NewRTPLevelMeter(extID uint8) *RTPLevelMeter {
	return &RTPLevelMeter{extID: extID}
}

// Observe records the level carried by pkt. Packets without the extension count as silence.
func (m *RTPLevelMeter) Observe(pkt *rtp.Packet) {
	if m.extID == 0 || pkt == nil {
		return
	}
	raw := pkt.GetExtension(m.extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	level := dBovToLinear(ext.Level)

	m.mu.Lock()
	if level > m.peak {
		m.peak = level
	}
	m.mu.Unlock()
}

// Level returns the loudest packet since the previous call.
func (m *RTPLevelMeter) Level() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrSourceGone
	}
	peak := m.peak
	m.peak = 0
	return peak, nil
}

func (m *RTPLevelMeter) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// dBovToLinear maps the 0..127 attenuation of the extension onto an amplitude in [0,1].
func dBovToLinear(level uint8) float64 {
	if level >= 127 {
		return 0
	}
	return math.Pow(10, -float64(level)/20)
}

// Decoder turns one encoded audio payload into mono PCM and returns the sample count.
type Decoder interface {
	Decode(payload []byte, pcm []int16) (int, error)
}

// maxFrame holds the longest Opus frame, 120ms at 48kHz.
const maxFrame = 5760

// TrackMeter measures one remote audio track. Decoded samples give the level;
// the RFC 6464 extension still counts for senders that stamp it.
// Observe must be called from a single goroutine.
type TrackMeter struct {
	rtp *RTPLevelMeter
	pcm *PCMMeter
	dec Decoder
	buf []int16
}

// NewTrackMeter builds a meter for a remote track. dec may be nil, leaving
// only the header extension.
func NewTrackMeter(extID uint8, dec Decoder) *TrackMeter {
	m := &TrackMeter{rtp: NewRTPLevelMeter(extID), pcm: NewPCMMeter(), dec: dec}
	if dec != nil {
		m.buf = make([]int16, maxFrame)
	}
	return m
}

func (m *TrackMeter) Observe(pkt *rtp.Packet) {
	if pkt == nil {
		return
	}
	m.rtp.Observe(pkt)
	if m.dec == nil || len(pkt.Payload) == 0 {
		return
	}
	n, err := m.dec.Decode(pkt.Payload, m.buf)
	if err != nil {
		return
	}
	if n > 0 {
		m.pcm.Write(m.buf[:n])
	}
}

// Level is the louder of the decoded RMS and the stamped level since the previous call.
func (m *TrackMeter) Level() (float64, error) {
	stamped, err := m.rtp.Level()
	if err != nil {
		return 0, err
	}
	decoded, err := m.pcm.Level()
	if err != nil {
		return 0, err
	}
	return math.Max(stamped, decoded), nil
}

func (m *TrackMeter) Close() {
	m.rtp.Close()
	m.pcm.Close()
}
