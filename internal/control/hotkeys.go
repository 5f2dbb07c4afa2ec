package control

import (
	"fmt"
	"os"
	"time"

	"github.com/flanksource/commons/logger"
	"golang.org/x/term"
)

// HotkeyListener reads single keystrokes from a TTY and drives the same flag
// files the watcher observes:
//
//	p -> toggle pause.flag (pause/resume)
//	s, q -> create stop.flag (stop at next checkpoint)
type HotkeyListener struct {
	ctrl     *Controller
	oldState *term.State
	stop     chan struct{}
	done     chan struct{}
}

// StartHotkeys attaches a listener to stdin. Returns nil on non-interactive
// runs (stdin not a TTY) or when raw mode cannot be entered.
func StartHotkeys(ctrl *Controller) *HotkeyListener {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		logger.Debugf("hotkeys unavailable: %v", err)
		return nil
	}

	l := &HotkeyListener{
		ctrl:     ctrl,
		oldState: oldState,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *HotkeyListener) run() {
	defer close(l.done)
	buf := make([]byte, 1)
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		// Short deadline so Stop() is observed promptly; a timeout is not an
		// error here.
		if err := os.Stdin.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return
		}
		n, err := os.Stdin.Read(buf)
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		switch buf[0] {
		case 'p', 'P':
			paused, err := l.ctrl.TogglePause()
			if err != nil {
				logger.Warnf("hotkey pause toggle failed: %v", err)
				continue
			}
			if paused {
				fmt.Print("\r\n[auditgh] hotkey: pause (created pause.flag)\r\n")
			} else {
				fmt.Print("\r\n[auditgh] hotkey: resume (removed pause.flag)\r\n")
			}
		case 's', 'S', 'q', 'Q':
			if err := l.ctrl.RequestStop(); err != nil {
				logger.Warnf("hotkey stop failed: %v", err)
				continue
			}
			fmt.Print("\r\n[auditgh] hotkey: stop (created stop.flag)\r\n")
		}
	}
}

// Stop ends the listener and restores the terminal.
func (l *HotkeyListener) Stop() {
	if l == nil {
		return
	}
	close(l.stop)
	os.Stdin.SetReadDeadline(time.Time{})
	select {
	case <-l.done:
	case <-time.After(time.Second):
	}
	term.Restore(int(os.Stdin.Fd()), l.oldState)
}
