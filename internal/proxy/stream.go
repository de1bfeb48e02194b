package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// streamChunk is the payload of one SSE "data:" line of a streamed
// chat completion.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream sends a streaming chat completion request and calls onDelta with
// every content fragment until the server sends [DONE] or closes the stream.
// An error returned by onDelta stops reading and is returned unwrapped.
func (c *Client) Stream(ctx context.Context, req ChatRequest, onDelta func(string) error) error {
	req.Stream = true
	rc, err := c.open(ctx, req)
	if err != nil {
		return err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		// Comments (": OPENROUTER PROCESSING") and blank separators carry no data.
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decoding stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("upstream error: %s", chunk.Error.Message)
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			if err := onDelta(ch.Delta.Content); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
