package modelsession

import (
	"fmt"
	"time"
)

// BeaconConfig configures the short ambient header prefixed to a turn
// batch so a freshly (re)started session can orient itself: who is
// addressing it, about what, and in relation to which task.
type BeaconConfig struct {
	Recipient string // e.g. "acme/agents/alice"
	Sender    string // e.g. "acme/agents/bob", "daemon"
	Topic     string // e.g. "assigned", "rotated", "cold-start"
	TaskID    int64  // 0 if not task-related
}

// FormatBeacon builds the beacon line prepended to a turn's prompt.
//
// Format: [DELEGATE] <recipient> <- <sender> • <timestamp> • <topic[:task]>
func FormatBeacon(cfg BeaconConfig) string {
	timestamp := time.Now().Format("2006-01-02T15:04")

	topic := cfg.Topic
	if topic == "" {
		topic = "ready"
	}
	if cfg.TaskID != 0 {
		topic = fmt.Sprintf("%s:T%04d", topic, cfg.TaskID)
	}

	return fmt.Sprintf("[DELEGATE] %s <- %s • %s • %s", cfg.Recipient, cfg.Sender, timestamp, topic)
}
