package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// ErrPermissionDenied is returned when the system notification channel may
// not post.
var ErrPermissionDenied = errors.New("notification permission denied")

// Dismissable is anything shown on screen that can be taken down.
type Dismissable interface {
	Dismiss()
}

// looper runs a function on its own goroutine until stopped.
type looper struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (l *looper) run(fn func(stop <-chan struct{})) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		close(l.stop)
		<-l.done
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stop, l.done = stop, done
	go func() {
		defer close(done)
		fn(stop)
	}()
}

func (l *looper) halt() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// wait sleeps for d and reports false if stop closed first.
func wait(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// Player produces the ring tone.
type Player interface {
	ToneOn() error
	ToneOff()
}

// AudioLoop plays the ring tone for RingDuration, pauses for PauseDuration
// and repeats until stopped.
type AudioLoop struct {
	player        Player
	ringDuration  time.Duration
	pauseDuration time.Duration
	loop          looper
}

// NewAudioLoop creates the audio channel.
func NewAudioLoop(player Player, ring, pause time.Duration) *AudioLoop {
	return &AudioLoop{player: player, ringDuration: ring, pauseDuration: pause}
}

// Name implements Channel.
func (a *AudioLoop) Name() string { return "audio" }

// Start plays the first tone synchronously so blocked playback is reported.
func (a *AudioLoop) Start(_ context.Context, _ *models.CallSession) error {
	if err := a.player.ToneOn(); err != nil {
		return fmt.Errorf("audio playback blocked: %w", err)
	}
	a.loop.run(func(stop <-chan struct{}) {
		defer a.player.ToneOff()
		for {
			if !wait(stop, a.ringDuration) {
				return
			}
			a.player.ToneOff()
			if !wait(stop, a.pauseDuration) {
				return
			}
			// a tone that fails mid-loop is skipped
			_ = a.player.ToneOn()
		}
	})
	return nil
}

// Stop implements Channel.
func (a *AudioLoop) Stop() { a.loop.halt() }

// Notifier posts system-level notifications.
type Notifier interface {
	Permitted() bool
	Notify(title, body string, onClick func()) (Dismissable, error)
}

// SystemNotification posts one notification per ring. Clicking it focuses
// the agent's view.
type SystemNotification struct {
	notifier Notifier
	focuser  Focuser

	mu      sync.Mutex
	current Dismissable
}

// NewSystemNotification creates the notification channel.
func NewSystemNotification(notifier Notifier, focuser Focuser) *SystemNotification {
	return &SystemNotification{notifier: notifier, focuser: focuser}
}

// Name implements Channel.
func (n *SystemNotification) Name() string { return "notification" }

// Start implements Channel.
func (n *SystemNotification) Start(_ context.Context, call *models.CallSession) error {
	if !n.notifier.Permitted() {
		return ErrPermissionDenied
	}
	d, err := n.notifier.Notify("Incoming call", callerLine(call), n.focuser.Focus)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	n.mu.Lock()
	n.current = d
	n.mu.Unlock()
	return nil
}

// Stop implements Channel.
func (n *SystemNotification) Stop() {
	n.mu.Lock()
	d := n.current
	n.current = nil
	n.mu.Unlock()
	if d != nil {
		d.Dismiss()
	}
}

// BannerSurface shows an in-view banner.
type BannerSurface interface {
	ShowBanner(text string, onClick func()) (Dismissable, error)
}

// Banner is shown regardless of notification permission.
type Banner struct {
	surface BannerSurface
	focuser Focuser

	mu      sync.Mutex
	current Dismissable
}

// NewBanner creates the banner channel.
func NewBanner(surface BannerSurface, focuser Focuser) *Banner {
	return &Banner{surface: surface, focuser: focuser}
}

// Name implements Channel.
func (b *Banner) Name() string { return "banner" }

// Start implements Channel.
func (b *Banner) Start(_ context.Context, call *models.CallSession) error {
	d, err := b.surface.ShowBanner("Incoming call: "+callerLine(call), b.focuser.Focus)
	if err != nil {
		return fmt.Errorf("failed to show banner: %w", err)
	}
	b.mu.Lock()
	b.current = d
	b.mu.Unlock()
	return nil
}

// Stop implements Channel.
func (b *Banner) Stop() {
	b.mu.Lock()
	d := b.current
	b.current = nil
	b.mu.Unlock()
	if d != nil {
		d.Dismiss()
	}
}

// TitleSurface is the view's title or tab label.
type TitleSurface interface {
	Title() string
	SetTitle(title string)
}

// TitleFlash alternates the title between attention strings and restores the
// original on stop.
type TitleFlash struct {
	surface  TitleSurface
	cadence  time.Duration
	messages []string
	loop     looper

	mu       sync.Mutex
	original string
	running  bool
}

// NewTitleFlash creates the title channel. With no messages a default pair
// is used.
func NewTitleFlash(surface TitleSurface, cadence time.Duration, messages ...string) *TitleFlash {
	if len(messages) == 0 {
		messages = []string{"(1) Incoming call", "Ring ring..."}
	}
	return &TitleFlash{surface: surface, cadence: cadence, messages: messages}
}

// Name implements Channel.
func (f *TitleFlash) Name() string { return "title" }

// Start implements Channel.
func (f *TitleFlash) Start(_ context.Context, _ *models.CallSession) error {
	f.mu.Lock()
	if !f.running {
		f.original = f.surface.Title()
		f.running = true
	}
	f.mu.Unlock()

	f.loop.run(func(stop <-chan struct{}) {
		for i := 0; ; i++ {
			f.surface.SetTitle(f.messages[i%len(f.messages)])
			if !wait(stop, f.cadence) {
				return
			}
		}
	})
	return nil
}

// Stop implements Channel.
func (f *TitleFlash) Stop() {
	f.loop.halt()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.surface.SetTitle(f.original)
		f.running = false
	}
}

func callerLine(call *models.CallSession) string {
	if call == nil || call.VisitorID == "" {
		return "a visitor is waiting"
	}
	return fmt.Sprintf("visitor %s is waiting", call.VisitorID)
}
