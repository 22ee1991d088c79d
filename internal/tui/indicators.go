package tui

import (
	"strings"
	"time"
)

// Heartbeat alternates frames on every UI tick; a frozen frame means the
// program itself is stuck.
type Heartbeat struct {
	frames []string
	index  int
}

func NewHeartbeat() Heartbeat {
	return Heartbeat{frames: []string{"⟲", "⟳"}}
}

func (h *Heartbeat) Tick() {
	h.index = (h.index + 1) % len(h.frames)
}

func (h Heartbeat) Current() string {
	return h.frames[h.index]
}

// Activity lights up on events and fades over ten seconds.
type Activity struct {
	level     int
	lastEvent time.Time
}

const activityLevels = 5

func (a *Activity) OnEvent(now time.Time) {
	a.level = activityLevels
	a.lastEvent = now
}

// Decay lowers the level by one for every two seconds since the last event.
func (a *Activity) Decay(now time.Time) {
	if a.level == 0 {
		return
	}
	faded := int(now.Sub(a.lastEvent) / (2 * time.Second))
	a.level = max(activityLevels-faded, 0)
}

func (a Activity) Level() int { return a.level }

func (a Activity) LastEvent() time.Time { return a.lastEvent }

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range activityLevels {
		if i < a.level {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}
