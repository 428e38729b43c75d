package agent

import "github.com/mxf/agent-runtime/pkg/models"

// repairTranscript enforces invariants M1 (every assistant message with k
// tool calls is followed, in order, by exactly k tool messages whose
// ToolCallIDs are a permutation of the assistant's tool-call IDs, with no
// interleaving message of another role) and M2 (no two consecutive
// assistant messages; interstitial non-tool messages produced while a tool
// batch is outstanding are deferred and appended after the batch's final
// tool message) over a raw history. It never propagates a ProtocolError to
// the LLM — it silently repairs by dropping orphaned tool results and
// reordering deferred messages.
func repairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	pendingOrder := make([]string, 0)
	var deferred []*models.Message
	repaired := make([]*models.Message, 0, len(history))

	clearPending := func() {
		for k := range pending {
			delete(pending, k)
		}
		pendingOrder = pendingOrder[:0]
	}

	flushDeferred := func() {
		repaired = append(repaired, deferred...)
		deferred = nil
	}

	for _, msg := range history {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			// A new assistant turn starting while the previous batch never
			// closed means the previous block was incomplete; whatever was
			// deferred for it is appended now rather than lost, and the
			// stale expectations are dropped.
			flushDeferred()
			clearPending()
			if len(msg.ToolCalls) > 0 {
				for _, call := range msg.ToolCalls {
					if call.ID == "" {
						continue
					}
					pending[call.ID] = struct{}{}
					pendingOrder = append(pendingOrder, call.ID)
				}
			}
			repaired = append(repaired, msg)

		case models.RoleTool:
			id := msg.ToolCallID
			if id == "" && len(pendingOrder) > 0 {
				id = pendingOrder[0]
			}
			if id == "" {
				continue
			}
			if _, ok := pending[id]; !ok {
				continue
			}
			delete(pending, id)
			pendingOrder = removeID(pendingOrder, id)

			copied := *msg
			copied.ToolCallID = id
			repaired = append(repaired, &copied)

			if len(pending) == 0 {
				flushDeferred()
			}

		default:
			if len(pending) > 0 {
				// Interstitial feedback while a tool batch is outstanding:
				// defer until the batch closes to preserve M1.
				deferred = append(deferred, msg)
				continue
			}
			repaired = append(repaired, msg)
		}
	}

	// A batch that never closed (history ends mid-batch) still surfaces its
	// deferred messages rather than losing them.
	flushDeferred()

	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
