// Package tones synthesizes call-progress sounds at runtime and tracks which
// of them are currently playing for a session. Nothing is loaded from assets.
package tones

import (
	"math"
	"time"
)

type Tone string

const (
	Outgoing  Tone = "outgoing"  // ringback heard by the caller, looped
	Incoming  Tone = "incoming"  // ringtone heard by the receiver, looped
	Connected Tone = "connected" // one-shot
	Ended     Tone = "ended"     // one-shot
	Mute      Tone = "mute"      // one-shot
	Unmute    Tone = "unmute"    // one-shot
)

const DefaultSampleRate = 22050

// All lists every tone in a stable order.
func All() []Tone {
	return []Tone{Outgoing, Incoming, Connected, Ended, Mute, Unmute}
}

func (t Tone) Valid() bool {
	_, ok := patterns[t]
	return ok
}

// Looping reports whether the tone repeats until stopped.
func (t Tone) Looping() bool {
	return t == Outgoing || t == Incoming
}

// segment is a span of the tone: a mix of frequencies, or silence when freqs is empty.
type segment struct {
	freqs []float64
	dur   time.Duration
	gain  float64
}

var patterns = map[Tone][]segment{
	// 440+480 Hz, 2s on / 4s off.
	Outgoing: {
		{freqs: []float64{440, 480}, dur: 2 * time.Second, gain: 0.35},
		{dur: 4 * time.Second},
	},
	// Two short warbling bursts then a pause.
	Incoming: {
		{freqs: []float64{660, 880}, dur: 400 * time.Millisecond, gain: 0.45},
		{dur: 200 * time.Millisecond},
		{freqs: []float64{660, 880}, dur: 400 * time.Millisecond, gain: 0.45},
		{dur: 2 * time.Second},
	},
	Connected: {
		{freqs: []float64{523.25}, dur: 120 * time.Millisecond, gain: 0.4},
		{freqs: []float64{659.25}, dur: 120 * time.Millisecond, gain: 0.4},
		{freqs: []float64{783.99}, dur: 180 * time.Millisecond, gain: 0.4},
	},
	Ended: {
		{freqs: []float64{783.99}, dur: 120 * time.Millisecond, gain: 0.4},
		{freqs: []float64{523.25}, dur: 120 * time.Millisecond, gain: 0.4},
		{freqs: []float64{392.00}, dur: 220 * time.Millisecond, gain: 0.4},
	},
	Mute: {
		{freqs: []float64{440}, dur: 90 * time.Millisecond, gain: 0.3},
		{freqs: []float64{330}, dur: 90 * time.Millisecond, gain: 0.3},
	},
	Unmute: {
		{freqs: []float64{330}, dur: 90 * time.Millisecond, gain: 0.3},
		{freqs: []float64{440}, dur: 90 * time.Millisecond, gain: 0.3},
	},
}

// fade bounds the attack/release ramp applied to each voiced segment.
const fade = 8 * time.Millisecond

// Synthesize renders one cycle of t as 16-bit mono PCM at sampleRate.
// It returns nil for an unknown tone.
func Synthesize(t Tone, sampleRate int) []int16 {
	segs, ok := patterns[t]
	if !ok {
		return nil
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	var total int
	for _, s := range segs {
		total += samplesFor(s.dur, sampleRate)
	}
	out := make([]int16, 0, total)

	for _, s := range segs {
		n := samplesFor(s.dur, sampleRate)
		if len(s.freqs) == 0 {
			out = append(out, make([]int16, n)...)
			continue
		}
		ramp := samplesFor(fade, sampleRate)
		for i := 0; i < n; i++ {
			ts := float64(i) / float64(sampleRate)
			var v float64
			for _, f := range s.freqs {
				v += math.Sin(2 * math.Pi * f * ts)
			}
			v /= float64(len(s.freqs))
			v *= s.gain * envelope(i, n, ramp)
			out = append(out, int16(v*math.MaxInt16))
		}
	}
	return out
}

// Length returns the duration of one cycle of t.
func Length(t Tone) time.Duration {
	var d time.Duration
	for _, s := range patterns[t] {
		d += s.dur
	}
	return d
}

func samplesFor(d time.Duration, sampleRate int) int {
	return int(d.Seconds() * float64(sampleRate))
}

func envelope(i, n, ramp int) float64 {
	if ramp <= 0 {
		return 1
	}
	switch {
	case i < ramp:
		return float64(i) / float64(ramp)
	case i >= n-ramp:
		return float64(n-1-i) / float64(ramp)
	default:
		return 1
	}
}
