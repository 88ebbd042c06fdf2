package tones

import (
	"sort"
	"sync"
)

// Output renders tones. Start is called once per Loop/Once request that
// changes what is audible; Stop only for looping tones.
type Output interface {
	Start(t Tone, loop bool)
	Stop(t Tone)
}

// NopOutput discards everything. Used when no client renders audio.
type NopOutput struct{}

func (NopOutput) Start(Tone, bool) {}
func (NopOutput) Stop(Tone)        {}

// Player tracks which looping tones are active so none of them outlive
// the call that started them.
type Player struct {
	mu    sync.Mutex
	out   Output
	loops map[Tone]struct{}
}

func NewPlayer(out Output) *Player {
	if out == nil {
		out = NopOutput{}
	}
	return &Player{out: out, loops: make(map[Tone]struct{})}
}

// Loop starts t repeating. Starting an already looping tone is a no-op.
func (p *Player) Loop(t Tone) {
	if !t.Valid() {
		return
	}
	p.mu.Lock()
	if _, ok := p.loops[t]; ok {
		p.mu.Unlock()
		return
	}
	p.loops[t] = struct{}{}
	p.mu.Unlock()
	p.out.Start(t, true)
}

// Once plays t a single time.
func (p *Player) Once(t Tone) {
	if !t.Valid() {
		return
	}
	p.out.Start(t, false)
}

// Stop ends a looping tone if it is playing.
func (p *Player) Stop(t Tone) {
	p.mu.Lock()
	_, ok := p.loops[t]
	delete(p.loops, t)
	p.mu.Unlock()
	if ok {
		p.out.Stop(t)
	}
}

// StopAll ends every looping tone.
func (p *Player) StopAll() {
	p.mu.Lock()
	stopped := make([]Tone, 0, len(p.loops))
	for t := range p.loops {
		stopped = append(stopped, t)
	}
	p.loops = make(map[Tone]struct{})
	p.mu.Unlock()

	sortTones(stopped)
	for _, t := range stopped {
		p.out.Stop(t)
	}
}

// Active returns the looping tones currently playing.
func (p *Player) Active() []Tone {
	p.mu.Lock()
	out := make([]Tone, 0, len(p.loops))
	for t := range p.loops {
		out = append(out, t)
	}
	p.mu.Unlock()
	sortTones(out)
	return out
}

func sortTones(ts []Tone) {
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
}
