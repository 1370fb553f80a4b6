// Package voicecmd turns spoken commands recognised by the backend into call
// actions.
package voicecmd

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
)

// Bridge ends the call the first time the backend reports a stop command.
// One Bridge serves one call.
type Bridge struct {
	terminate func()
	fired     atomic.Bool
	logger    *zap.Logger
}

// NewBridge creates a bridge that calls terminate at most once
func NewBridge(terminate func(), logger *zap.Logger) *Bridge {
	return &Bridge{
		terminate: terminate,
		logger:    logger.Named("voicecmd"),
	}
}

// Inspect looks at one inbound message and reports whether it fired
func (b *Bridge) Inspect(msg domain.AnalysisMessage) bool {
	if msg.Type != domain.MessageTypeStopCall {
		return false
	}
	if !b.fired.CompareAndSwap(false, true) {
		return false
	}
	b.logger.Info("Voice stop command received, ending call")
	b.terminate()
	return true
}

// Fired reports whether the call was already terminated by voice
func (b *Bridge) Fired() bool {
	return b.fired.Load()
}
