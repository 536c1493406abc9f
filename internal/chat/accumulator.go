package chat

import (
	"errors"
	"io"
	"strings"

	"github.com/raphaelgruber/openchat/internal/llm"
)

// Accumulate drains stream into one buffer, calling onSnapshot with the full
// text after every delta and before the next one is requested.
//
// On failure the partial text is returned together with the error so the
// caller decides what to keep.
func Accumulate(stream llm.Stream, onSnapshot func(text string)) (string, error) {
	var buf strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return buf.String(), nil
		}
		if err != nil {
			return buf.String(), err
		}
		if delta == "" {
			continue
		}

		buf.WriteString(delta)
		if onSnapshot != nil {
			onSnapshot(buf.String())
		}
	}
}
