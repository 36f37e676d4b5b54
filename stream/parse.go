package stream

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"polyflow/logger"
	"polyflow/models"
)

// wsCommand is the subscription command frame.
type wsCommand struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
	Action   string   `json:"action,omitempty"`
}

var (
	pingPayload = []byte("PING")
	pongPayload = []byte("PONG")
)

// handleMessage demultiplexes one inbound frame. Frames arrive either as a
// single event object or as a batch array of events. Malformed frames are
// counted and skipped; they never tear the connection down.
func (m *Manager) handleMessage(msg []byte) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 || bytes.Equal(trimmed, pongPayload) {
		return
	}

	if trimmed[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(trimmed, &events); err != nil {
			logger.IncrementMalformed()
			m.log.WithComponent("stream_manager").WithError(err).Debug("failed to decode event batch")
			return
		}
		for _, raw := range events {
			m.handleEvent(raw)
		}
		return
	}

	m.handleEvent(trimmed)
}

func (m *Manager) handleEvent(raw []byte) {
	var env struct {
		EventType    string            `json:"event_type"`
		AssetID      string            `json:"asset_id"`
		Timestamp    string            `json:"timestamp"`
		PriceChanges []json.RawMessage `json:"price_changes"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.IncrementMalformed()
		m.log.WithComponent("stream_manager").WithError(err).Debug("failed to decode event")
		return
	}

	ts := parseServerTS(env.Timestamp)

	switch env.EventType {
	case models.EventBook, models.EventLastTrade:
		if env.AssetID == "" {
			logger.IncrementMalformed()
			return
		}
		m.routeEvent(env.AssetID, env.EventType, ts, raw)

	case models.EventPriceChange:
		// Price change frames batch per-instrument deltas; each delta
		// carries its own asset id and routes independently.
		for _, changeRaw := range env.PriceChanges {
			var change struct {
				AssetID string `json:"asset_id"`
			}
			if err := json.Unmarshal(changeRaw, &change); err != nil || change.AssetID == "" {
				logger.IncrementMalformed()
				continue
			}
			m.routeEvent(change.AssetID, env.EventType, ts, changeRaw)
		}

	default:
		// Subscription acks and other control frames count for liveness only.
	}
}

func (m *Manager) routeEvent(assetID, eventType string, serverTS int64, payload []byte) {
	inst, ok := m.subs.Lookup(assetID)
	if !ok {
		// Stale event for an instrument removed from the set; the server
		// may still deliver a few after unsubscribe.
		return
	}

	ev := models.BookEvent{
		AssetID:     assetID,
		ConditionID: inst.ConditionID,
		Slug:        inst.Slug,
		Bucket:      inst.Bucket,
		EventType:   eventType,
		ServerTS:    serverTS,
		ReceivedAt:  time.Now().UTC(),
		Payload:     append([]byte(nil), payload...),
	}

	if m.channels.SendBook(m.ctx, ev) {
		logger.IncrementBookRead(len(payload))
	}
}

// parseServerTS parses the millisecond epoch timestamp string the server
// attaches to events. Returns 0 when absent or unparseable.
func parseServerTS(raw string) int64 {
	if raw == "" {
		return 0
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
