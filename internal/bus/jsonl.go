package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxLineBytes = 1 << 20

// ReadJSONLines decodes one InboundMessage per line of r and publishes it.
// Malformed lines are logged and skipped. Messages without an id get a
// random one. It returns when r is exhausted or ctx ends.
func ReadJSONLines(ctx context.Context, r io.Reader, b *MessageBus, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	published, lineNo := 0, 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := DecodeLine(line)
		if err != nil {
			logger.Warn("skip malformed message line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		if err := b.Publish(ctx, msg); err != nil {
			return published, err
		}
		published++
	}
	if err := scanner.Err(); err != nil {
		return published, fmt.Errorf("read messages: %w", err)
	}
	return published, nil
}

// DecodeLine parses a single JSON message and fills in a missing id.
func DecodeLine(line string) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	if strings.TrimSpace(msg.ChannelID) == "" {
		return msg, fmt.Errorf("decode message: missing channel_id")
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	return msg, nil
}
