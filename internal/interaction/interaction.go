// Package interaction defines the Interaction record and its id factory.
// Interactions live in their own bounded ring (capacity 200) and never enter
// the event ring.
package interaction

import (
	"fmt"
	"sync"
	"time"
)

type Interaction struct {
	ID     string  `json:"id"`
	TS     int64   `json:"ts"`
	Type   string  `json:"type"`
	Target *string `json:"target,omitempty"`
	Value  *string `json:"value,omitempty"`
	URL    *string `json:"url,omitempty"`
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
}

// Factory assigns ids of the form int_<ms>_<3-digit-seq>, reusing the same
// same-millisecond-increments discipline as the event factory.
type Factory struct {
	mu       sync.Mutex
	clock    func() time.Time
	lastTick int64
	seq      int
}

func NewFactory() *Factory {
	return &Factory{clock: time.Now}
}

type New struct {
	Type   string
	Target *string
	Value  *string
	URL    *string
	X      *float64
	Y      *float64
}

func (f *Factory) Create(n New) Interaction {
	f.mu.Lock()
	defer f.mu.Unlock()

	ts := f.clock().UnixMilli()
	if ts == f.lastTick {
		f.seq++
	} else {
		f.lastTick = ts
		f.seq = 1
	}

	return Interaction{
		ID:     fmt.Sprintf("int_%013d_%03d", ts, f.seq),
		TS:     ts,
		Type:   n.Type,
		Target: n.Target,
		Value:  n.Value,
		URL:    n.URL,
		X:      n.X,
		Y:      n.Y,
	}
}
