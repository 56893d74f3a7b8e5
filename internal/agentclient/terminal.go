package agentclient

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/parsascontentcorner/liveringserver/internal/alert"
	"github.com/parsascontentcorner/liveringserver/internal/idle"
)

// Terminal renders call alerts on a text terminal: the bell for the ring tone,
// the window title through an OSC sequence and a printed banner. It cannot
// post system notifications or raise its own window.
type Terminal struct {
	out io.Writer

	mu      sync.Mutex
	title   string
	visible bool
	ack     func()
}

// NewTerminal creates a terminal surface writing to out.
func NewTerminal(out io.Writer, title string) *Terminal {
	return &Terminal{out: out, title: title, visible: true}
}

func (t *Terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.out, format, args...)
}

// ToneOn rings the terminal bell.
func (t *Terminal) ToneOn() error {
	t.printf("\a")
	return nil
}

// ToneOff is a no-op; the bell is a single beep.
func (t *Terminal) ToneOff() {}

// Title returns the last title set.
func (t *Terminal) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

// SetTitle sets the window title.
func (t *Terminal) SetTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.title = title
	_, _ = fmt.Fprintf(t.out, "\x1b]0;%s\x07", title)
}

type banner struct {
	t    *Terminal
	once sync.Once
}

func (b *banner) Dismiss() {
	b.once.Do(func() { b.t.printf("-- alert cleared --\n") })
}

// ShowBanner prints text framed so it stands out in scrollback. The click
// handler is unused; answering happens through typed commands.
func (t *Terminal) ShowBanner(text string, _ func()) (alert.Dismissable, error) {
	line := strings.Repeat("=", len(text)+4)
	t.printf("\n%s\n| %s |\n%s\n", line, text, line)
	return &banner{t: t}, nil
}

// Permitted reports false; terminals have no notification center.
func (t *Terminal) Permitted() bool { return false }

// Notify always fails with alert.ErrPermissionDenied.
func (t *Terminal) Notify(string, string, func()) (alert.Dismissable, error) {
	return nil, alert.ErrPermissionDenied
}

// Focus does nothing; a terminal cannot raise its own window.
func (t *Terminal) Focus() {}

// Visible reports whether the user is assumed to be looking at the terminal.
func (t *Terminal) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible
}

// SetVisible changes the visibility assumption, e.g. when the process is
// suspended and resumed.
func (t *Terminal) SetVisible(visible bool) {
	t.mu.Lock()
	t.visible = visible
	t.mu.Unlock()
}

// NotificationsPermitted reports false.
func (t *Terminal) NotificationsPermitted() bool { return false }

type prompt struct{ t *Terminal }

func (p prompt) Close() {
	p.t.mu.Lock()
	p.t.ack = nil
	p.t.mu.Unlock()
}

// ShowPrompt prints a "still there?" line. The next call to Acknowledge
// answers it.
func (t *Terminal) ShowPrompt(onAcknowledge func()) (idle.Prompt, error) {
	t.mu.Lock()
	t.ack = onAcknowledge
	_, _ = fmt.Fprint(t.out, "Still there? Press enter to stay available.\n")
	t.mu.Unlock()
	return prompt{t: t}, nil
}

// Acknowledge answers an open prompt, if any.
func (t *Terminal) Acknowledge() {
	t.mu.Lock()
	ack := t.ack
	t.ack = nil
	t.mu.Unlock()
	if ack != nil {
		ack()
	}
}

// Channels returns the alert channels a terminal supports.
func (t *Terminal) Channels(cfg AlertConfig) []alert.Channel {
	return []alert.Channel{
		alert.NewAudioLoop(t, cfg.RingDuration, cfg.PauseDuration),
		alert.NewSystemNotification(t, t),
		alert.NewBanner(t, t),
		alert.NewTitleFlash(t, cfg.TitleCadence),
	}
}
