// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// rawText returns the raw text of an inbound message, rebuilding it from the
// segments when the gateway left raw_message out.
func rawText(evt *onebot.MessageEvent) string {
	if evt.RawMessage != "" {
		return evt.RawMessage
	}
	return evt.Message.CQString()
}
