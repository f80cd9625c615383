package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/polisai/polis-chain/pkg/domain"
)

const separator = "--------------------"

// Writer renders terminal values as plain text blocks.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a sink writing to w. Concurrent renders are serialised.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Render writes one block for value: a numbered block per response for
// batches, a headers/body/status block for a single response, and an input
// block for anything else.
func (s *Writer) Render(_ context.Context, value any) error {
	var b strings.Builder

	if list, ok := items(value); ok {
		fmt.Fprintf(&b, "Parallel execution results: %d responses\n", len(list))
		for i, item := range list {
			fmt.Fprintf(&b, "--- Response %d ---\n", i+1)
			if resp, ok := response(item); ok {
				fmt.Fprintf(&b, "Status: %d\n", resp.Status)
				fmt.Fprintf(&b, "Body: %s\n", format(resp.Body))
			} else {
				fmt.Fprintf(&b, "Item: %s\n", format(item))
			}
			b.WriteString(separator + "\n")
		}
	} else if resp, ok := response(value); ok {
		b.WriteString("--- Single execution result ---\n")
		fmt.Fprintf(&b, "Headers %s\n", format(resp.Headers))
		fmt.Fprintf(&b, "Body %s\n", format(resp.Body))
		fmt.Fprintf(&b, "Status %d\n", resp.Status)
		b.WriteString(separator + "\n")
	} else {
		b.WriteString("--- Other Input ---\n")
		fmt.Fprintf(&b, "Input %s\n", format(value))
		b.WriteString(separator + "\n")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, b.String())
	return err
}

// format renders v as compact JSON, falling back to %v for values JSON cannot
// represent.
func format(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(domain.View(v))
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
