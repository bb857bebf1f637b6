package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tiktoken-go/tokenizer"

	"coderunner/pkg/agent/llm"
	"coderunner/pkg/proto"
)

// Turn is one conversation turn held in agent memory. Turns are appended,
// never edited; the checkpoint format is the JSON serialization of the turn
// list.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Turn struct {
	Role       llm.CompletionRole `json:"role"`
	Content    string             `json:"content,omitempty"`
	ToolCalls  []llm.ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	TS         time.Time          `json:"ts"`
}

// Memory holds the agent's working conversation state. It is safe for
// concurrent use, though in practice a single agent goroutine owns it.
type Memory struct {
	mu    sync.Mutex
	turns []Turn
	codec tokenizer.Codec
}

// NewMemory creates an empty memory. Token counting degrades to a byte
// estimate if the tokenizer is unavailable.
func NewMemory() *Memory {
	m := &Memory{}
	if codec, err := tokenizer.Get(tokenizer.Cl100kBase); err == nil {
		m.codec = codec
	}
	return m
}

func (m *Memory) add(turn Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turn.TS = time.Now().UTC()
	m.turns = append(m.turns, turn)
}

// AddSystem appends a system turn.
func (m *Memory) AddSystem(content string) {
	m.add(Turn{Role: llm.RoleSystem, Content: content})
}

// AddUser appends a user turn.
func (m *Memory) AddUser(content string) {
	m.add(Turn{Role: llm.RoleUser, Content: content})
}

// AddAssistant appends an assistant turn, including any tool calls it made.
func (m *Memory) AddAssistant(content string, toolCalls []llm.ToolCall) {
	m.add(Turn{Role: llm.RoleAssistant, Content: content, ToolCalls: toolCalls})
}

// AddToolResult appends a tool-result turn answering the given call.
func (m *Memory) AddToolResult(callID, content string) {
	m.add(Turn{Role: llm.RoleTool, Content: content, ToolCallID: callID})
}

// Messages renders the conversation as completion messages.
func (m *Memory) Messages() []llm.CompletionMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.CompletionMessage, 0, len(m.turns))
	for _, turn := range m.turns {
		out = append(out, llm.CompletionMessage{
			Role:       turn.Role,
			Content:    turn.Content,
			ToolCalls:  turn.ToolCalls,
			ToolCallID: turn.ToolCallID,
		})
	}
	return out
}

// Len returns the number of turns held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// TokenCount estimates the token footprint of the conversation.
func (m *Memory) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCountLocked()
}

func (m *Memory) tokenCountLocked() int {
	total := 0
	for _, turn := range m.turns {
		if m.codec != nil {
			if ids, _, err := m.codec.Encode(turn.Content); err == nil {
				total += len(ids)
				continue
			}
		}
		// Rough fallback: ~4 bytes per token for English text.
		total += len(turn.Content) / 4
	}
	return total
}

// CompactToBudget drops the oldest non-system turns until the conversation
// fits within maxTokens. System turns and the most recent turn are never
// dropped, so the agent always keeps its instructions and the prompt it is
// answering. Returns the number of turns dropped; a budget <= 0 disables
// compaction.
func (m *Memory) CompactToBudget(maxTokens int) int {
	if maxTokens <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for m.tokenCountLocked() > maxTokens {
		victim := -1
		for i := 0; i < len(m.turns)-1; i++ {
			if m.turns[i].Role != llm.RoleSystem {
				victim = i
				break
			}
		}
		if victim < 0 {
			break
		}
		m.turns = append(m.turns[:victim], m.turns[victim+1:]...)
		dropped++
	}
	return dropped
}

// Checkpoint serializes the conversation for persistence as a memory event.
// The returned map is the event data payload.
func (m *Memory) Checkpoint() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := make([]Turn, len(m.turns))
	copy(turns, m.turns)
	return map[string]any{
		"turns": turns,
	}
}

// RestoreFromEvents reconstructs memory from previously persisted memory
// events. The latest checkpoint wins (each checkpoint is a complete
// serialization), and the restored conversation is bounded to the most
// recent limit turns so replay cost stays flat no matter how long the
// source job ran.
func (m *Memory) RestoreFromEvents(events []proto.Event, limit int) {
	var latest []Turn
	for _, event := range events {
		if event.Type != proto.EventMemory {
			continue
		}
		raw, exists := event.Data["turns"]
		if !exists {
			continue
		}
		// Round-trip through JSON: store backends return generic maps.
		encoded, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var turns []Turn
		if err := json.Unmarshal(encoded, &turns); err != nil {
			continue
		}
		latest = turns
	}
	if latest == nil {
		return
	}
	if limit > 0 && len(latest) > limit {
		latest = latest[len(latest)-limit:]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = latest
}
