package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const doneSentinel = "[DONE]"

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// readEventStream consumes SSE frames from r, passing every content delta to
// onDelta and returning the accumulated text. Frames end at a blank line; a
// data payload of [DONE] ends the stream. A body that ends without the
// sentinel is accepted after its last complete frame.
func readEventStream(r io.Reader, onDelta func(string)) (string, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		text   strings.Builder
		data   []string
		chunks int
	)

	flush := func() (bool, error) {
		if len(data) == 0 {
			return false, nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]

		if strings.TrimSpace(payload) == doneSentinel {
			return true, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return false, fmt.Errorf("%w: %v", errMalformedFrame, err)
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return false, fmt.Errorf("%w: %s", errUpstreamStream, chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			delta := choice.Delta.Content
			if delta == "" {
				continue
			}
			chunks++
			text.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		return false, nil
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			done, err := flush()
			if err != nil || done {
				return text.String(), chunks, err
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return text.String(), chunks, err
	}

	_, err := flush()
	return text.String(), chunks, err
}
