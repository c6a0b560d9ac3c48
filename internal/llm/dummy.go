package llm

import (
	"context"
	"io"
	"strings"
	"time"
)

// dummyText is the fixed output of the dummy provider. Deterministic output
// keeps end-to-end tests assertable without a real provider.
const dummyText = `As Dummy Small Language Model I can only repeat what I was built to say.
Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod
tempor incididunt ut labore et dolore magna aliqua.

` + "```python\ndef hello(name: str) -> str:\n    return f\"Hello, {name}!\"\n```" + `

Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut
aliquip ex ea commodo consequat.
`

// defaultDummyDelay simulates streaming latency between deltas.
const defaultDummyDelay = 10 * time.Millisecond

// Dummy is the test provider. It needs no credential and emits dummyText
// word by word.
type Dummy struct {
	Text  string
	Delay time.Duration
}

// NewDummy returns a dummy client with the canned text and default delay.
func NewDummy() *Dummy {
	return &Dummy{Text: dummyText, Delay: defaultDummyDelay}
}

// Stream opens a generation session over the canned text.
func (d *Dummy) Stream(ctx context.Context, req Request) (Stream, error) {
	return &dummyStream{
		ctx:    ctx,
		deltas: strings.SplitAfter(d.Text, " "),
		delay:  d.Delay,
		prior:  buildHistory(req),
	}, nil
}

type dummyStream struct {
	ctx    context.Context
	deltas []string
	delay  time.Duration
	next   int
	out    strings.Builder
	prior  []Message
}

func (s *dummyStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.next >= len(s.deltas) {
		return "", io.EOF
	}
	if s.delay > 0 && s.next > 0 {
		time.Sleep(s.delay)
	}
	delta := s.deltas[s.next]
	s.next++
	s.out.WriteString(delta)
	return delta, nil
}

func (s *dummyStream) History() []Message {
	return append(append([]Message{}, s.prior...), Message{Role: RoleAssistant, Content: s.out.String()})
}

func (s *dummyStream) Close() error { return nil }
