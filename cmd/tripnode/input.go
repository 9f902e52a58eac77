package main

import (
	"fmt"

	"github.com/eiannone/keyboard"
)

type keyPress struct {
	char rune
	key  keyboard.Key
}

// openKeyboard puts the terminal in raw mode and streams key presses until
// the keyboard is closed.
func openKeyboard() (<-chan keyPress, func(), error) {
	if err := keyboard.Open(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize keyboard: %w", err)
	}

	var keyCh = make(chan keyPress)
	go func() {
		for {
			char, key, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- keyPress{char: char, key: key}
		}
	}()

	return keyCh, func() { keyboard.Close() }, nil
}

// lineEditor collects a single line typed in raw mode.
type lineEditor struct {
	prompt string
	buf    []rune
}

func (l *lineEditor) active() bool {
	return l.prompt != ""
}

func (l *lineEditor) start(prompt string) {
	l.prompt = prompt
	l.buf = l.buf[:0]
}

func (l *lineEditor) cancel() {
	l.prompt = ""
	l.buf = l.buf[:0]
}

// feed applies a key press and returns the line once Enter is pressed.
func (l *lineEditor) feed(kp keyPress) (string, bool) {
	switch kp.key {
	case keyboard.KeyEnter:
		var line = string(l.buf)
		l.cancel()
		return line, true
	case keyboard.KeyEsc:
		l.cancel()
	case keyboard.KeyBackspace, keyboard.KeyBackspace2:
		if len(l.buf) > 0 {
			l.buf = l.buf[:len(l.buf)-1]
		}
	case keyboard.KeySpace:
		l.buf = append(l.buf, ' ')
	default:
		if kp.char != 0 {
			l.buf = append(l.buf, kp.char)
		}
	}
	return "", false
}

func (l *lineEditor) String() string {
	return fmt.Sprintf("%s: %s_", l.prompt, string(l.buf))
}
