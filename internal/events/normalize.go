// Package events turns kernel events from the poll and push paths into one
// canonical, de-duplicated, ordered timeline.
//
// Normalization never fails: anything the package cannot interpret is passed
// through as an opaque event so the operator still sees it.
package events

import (
	"bytes"
	"encoding/json"
	"maps"
	"strconv"
	"strings"

	"github.com/ashita-ai/hearth/internal/model"
)

// envelopeKeys are the top-level fields of a flat snapshot event that are
// not part of its data payload.
var envelopeKeys = map[string]bool{
	"type": true, "timestamp": true,
	"issue_id": true, "issueId": true,
	"workcell_id": true, "workcellId": true,
	"message": true, "data": true,
}

// Normalize converts a typed wire event into a BuildEvent.
func Normalize(raw model.RawEvent) model.BuildEvent {
	m := map[string]any{
		"type":      raw.Type,
		"timestamp": raw.Timestamp,
	}
	if raw.IssueID != nil {
		m["issue_id"] = *raw.IssueID
	}
	if raw.WorkcellID != nil {
		m["workcell_id"] = *raw.WorkcellID
	}
	if raw.Message != nil {
		m["message"] = *raw.Message
	}
	if raw.Data != nil {
		m["data"] = raw.Data
	}
	return NormalizeMap(m)
}

// NormalizeJSON decodes and normalizes one JSON event. Undecodable input
// becomes an "unknown" event carrying the raw text.
func NormalizeJSON(data []byte) model.BuildEvent {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil || m == nil {
		raw := map[string]any{"raw": string(data)}
		return model.BuildEvent{
			Type:     model.EventUnknown,
			Metadata: raw,
			Payload:  model.OpaquePayload{Raw: raw},
		}
	}
	return NormalizeMap(m)
}

// NormalizeMap converts a loosely-typed event, either the push shape
// {type, timestamp, issue_id, workcell_id, data} or a flat snapshot row,
// into a BuildEvent.
func NormalizeMap(m map[string]any) model.BuildEvent {
	ev := model.BuildEvent{
		Type:       strings.TrimSpace(str(m["type"])),
		Timestamp:  str(m["timestamp"]),
		IssueID:    firstStr(m, "issue_id", "issueId"),
		WorkcellID: firstStr(m, "workcell_id", "workcellId"),
		Message:    str(m["message"]),
	}
	if ev.Type == "" {
		ev.Type = model.EventUnknown
	}

	data, _ := m["data"].(map[string]any)
	if data == nil {
		data = make(map[string]any, len(m))
		for k, v := range m {
			if !envelopeKeys[k] {
				data[k] = v
			}
		}
	}
	if ev.Message == "" {
		ev.Message = str(data["message"])
	}
	if len(data) > 0 {
		ev.Metadata = maps.Clone(data)
	}

	ev.Payload = decodePayload(ev, data)
	if _, opaque := ev.Payload.(model.OpaquePayload); opaque {
		ev.Metadata = maps.Clone(m)
	}
	return ev
}

func decodePayload(ev model.BuildEvent, data map[string]any) model.Payload {
	opaque := func() model.Payload {
		return model.OpaquePayload{Raw: data}
	}

	switch ev.Type {
	case model.EventBuildStatus:
		st, ok := model.ParseBuildStatus(str(data["status"]))
		if !ok {
			return opaque()
		}
		return model.StatusPayload{Status: st, Error: str(data["error"])}

	case model.EventBuildFailed:
		msg := str(data["error"])
		if msg == "" {
			msg = ev.Message
		}
		return model.StatusPayload{Status: model.BuildFailed, Error: msg}

	case model.EventAgentStarted, model.EventAgentStatus:
		agentID := firstStr(data, "agent_id", "agentId")
		if agentID == "" {
			return opaque()
		}
		p := model.AgentPayload{
			AgentID:     agentID,
			Toolchain:   str(data["toolchain"]),
			Stage:       firstStr(data, "stage", "current_stage", "currentStage"),
			Error:       str(data["error"]),
			WorkcellID:  firstStr(data, "workcell_id", "workcellId"),
			Speculating: boolean(data["speculating"]),
		}
		if p.WorkcellID == "" {
			p.WorkcellID = ev.WorkcellID
		}
		if st, ok := model.ParseAgentStatus(str(data["status"])); ok {
			p.Status = st
		} else if ev.Type == model.EventAgentStarted {
			p.Status = model.AgentPending
		}
		return p

	case model.EventAgentFitness:
		agentID := firstStr(data, "agent_id", "agentId")
		fitness, ok := number(data["fitness"])
		if agentID == "" || !ok {
			return opaque()
		}
		gen, _ := number(data["generation"])
		return model.FitnessPayload{AgentID: agentID, Fitness: fitness, Generation: int(gen)}

	case model.EventLeaderChanged, model.EventWinnerSelected:
		agentID := firstStr(data, "agent_id", "agentId")
		if agentID == "" {
			return opaque()
		}
		return model.LeaderPayload{AgentID: agentID, Winner: ev.Type == model.EventWinnerSelected}

	case model.EventRefinementStatus:
		st, ok := model.ParseRefinementStatus(str(data["status"]))
		if !ok {
			return opaque()
		}
		p := model.RefinementPayload{
			RefinementID: firstStr(data, "refinement_id", "refinementId"),
			IssueID:      firstStr(data, "issue_id", "issueId"),
			Status:       st,
		}
		if p.IssueID == "" {
			p.IssueID = ev.IssueID
		}
		return p

	case model.EventSystem, model.EventAgent, model.EventCritic, model.EventError, model.EventResponseChunk:
		return model.LogPayload{}
	}
	return opaque()
}

func firstStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// str coerces a JSON scalar to text. Numbers keep their shortest decimal form
// so numeric timestamps still compare as the kernel wrote them.
func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func boolean(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	}
	return false
}
