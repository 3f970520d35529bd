// Package budget bounds conversation size in estimated tokens while
// preserving the structural invariants of tool-call groups.
package budget

import (
	"sync"

	ports "github.com/askfolio/agentd/agentd/harness/ports"
	"github.com/rs/zerolog"
)

// Report describes what one Optimize pass did.
type Report struct {
	TotalTokens int  // estimated tokens of the returned messages
	Budget      int
	Dropped     int  // messages removed to fit budget
	Truncated   int  // tool responses trimmed in place
	Degraded    bool // reduced to last system + last user message
	Exceeded    bool // even the degraded set exceeds budget
	Repaired    int  // mismatched groups removed by the defensive pass
}

// Manager estimates and trims conversation token usage.
type Manager struct {
	maxTokens         int
	preserveUserTurns int
	logger            zerolog.Logger

	mu        sync.Mutex
	estimates map[string]int
	order     []string
	cacheSize int
}

// NewManager creates a budget manager. preserveUserTurns user messages are
// never evicted (minimum 1).
func NewManager(maxTokens, preserveUserTurns, estimateCacheSize int, logger zerolog.Logger) *Manager {
	if preserveUserTurns < 1 {
		preserveUserTurns = 1
	}
	if estimateCacheSize <= 0 {
		estimateCacheSize = 2048
	}
	return &Manager{
		maxTokens:         maxTokens,
		preserveUserTurns: preserveUserTurns,
		logger:            logger.With().Str("component", "token_budget").Logger(),
		estimates:         make(map[string]int),
		cacheSize:         estimateCacheSize,
	}
}

// Estimate returns a cheap token estimate for text, cached per exact text.
func (m *Manager) Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.estimates[text]; ok {
		return n
	}
	n := (len(text) + 3) / 4
	m.estimates[text] = n
	m.order = append(m.order, text)
	if len(m.estimates) > m.cacheSize {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.estimates, oldest)
	}
	return n
}

// messageCost includes a small per-message framing overhead.
func (m *Manager) messageCost(msg ports.PromptMessage) int {
	cost := m.Estimate(msg.Content) + 4
	for _, call := range msg.ToolCalls {
		cost += m.Estimate(call.Name) + m.Estimate(string(call.Args))
	}
	return cost
}

// unit is an atomic trimming candidate: a single message or a complete
// tool-call group (assistant message plus its responses).
type unit struct {
	indices []int // positions in the original sequence
	cost    int
	group   bool
}

// Optimize trims messages to fit the configured budget. System messages and
// the last preserveUserTurns user messages are never evicted; tool-call
// groups are kept or dropped atomically, except that a group's response text
// may be truncated when meaningful budget remains. Optimize is idempotent.
func (m *Manager) Optimize(messages []ports.PromptMessage) ([]ports.PromptMessage, Report) {
	report := Report{Budget: m.maxTokens}
	if len(messages) == 0 {
		return nil, report
	}

	// Work on a copy: truncation must not mutate the caller's slice.
	messages = append([]ports.PromptMessage(nil), messages...)

	units := m.segment(messages)

	keep := make([]bool, len(messages))
	preservedCost := 0

	// 1. Preserve all system messages and the last K user messages.
	userSeen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && userSeen < m.preserveUserTurns {
			keep[i] = true
			userSeen++
			preservedCost += m.messageCost(messages[i])
		}
	}
	for i, msg := range messages {
		if msg.Role == "system" {
			keep[i] = true
			preservedCost += m.messageCost(msg)
		}
	}

	// 2. If the preserved set alone exceeds budget, degrade to the last
	// system message plus the last user message.
	if preservedCost > m.maxTokens {
		return m.degrade(messages, &report)
	}

	remaining := m.maxTokens - preservedCost

	// 3. Fill remaining budget with complete tool-call groups, newest first.
	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		if !u.group || anyKept(keep, u.indices) {
			continue
		}
		if u.cost <= remaining {
			for _, idx := range u.indices {
				keep[idx] = true
			}
			remaining -= u.cost
			continue
		}
		// 4. Truncate only the tool-response text when meaningful budget
		// remains; the initiating call is never dropped alone.
		if remaining >= minTruncateBudget {
			trimmed := m.truncateGroup(messages, u, remaining)
			if trimmed > 0 {
				for _, idx := range u.indices {
					keep[idx] = true
				}
				remaining -= trimmed
				report.Truncated++
			}
		}
	}

	// Then standalone messages, newest first.
	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		if u.group || anyKept(keep, u.indices) {
			continue
		}
		if u.cost <= remaining {
			keep[u.indices[0]] = true
			remaining -= u.cost
		}
	}

	out := make([]ports.PromptMessage, 0, len(messages))
	for i, msg := range messages {
		if keep[i] {
			out = append(out, msg)
		} else {
			report.Dropped++
		}
	}

	// 5. Defensive pass: drop any group left with mismatched pairing. This
	// indicates an upstream invariant violation and must not corrupt state.
	out, repaired := m.repairPairing(out)
	report.Repaired = repaired
	report.Dropped += repaired

	report.TotalTokens = m.total(out)
	report.Exceeded = report.TotalTokens > m.maxTokens
	return out, report
}

// minTruncateBudget is the smallest remaining budget worth truncating a
// group into rather than dropping it outright.
const minTruncateBudget = 64

// segment splits messages into atomic units.
func (m *Manager) segment(messages []ports.PromptMessage) []unit {
	var units []unit
	i := 0
	for i < len(messages) {
		msg := messages[i]
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			u := unit{indices: []int{i}, cost: m.messageCost(msg), group: true}
			wanted := make(map[string]bool, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				wanted[call.ID] = true
			}
			j := i + 1
			for j < len(messages) && messages[j].Role == "tool" && wanted[messages[j].ToolCallID] {
				u.indices = append(u.indices, j)
				u.cost += m.messageCost(messages[j])
				delete(wanted, messages[j].ToolCallID)
				j++
			}
			units = append(units, u)
			i = j
			continue
		}
		units = append(units, unit{indices: []int{i}, cost: m.messageCost(msg)})
		i++
	}
	return units
}

// truncateGroup trims tool-response content in place so the group fits in
// budget. Returns the resulting group cost, or 0 if it cannot fit.
func (m *Manager) truncateGroup(messages []ports.PromptMessage, u unit, budget int) int {
	fixed := 0 // cost of the initiating call and framing
	respIdx := make([]int, 0, len(u.indices)-1)
	for _, idx := range u.indices {
		if messages[idx].Role == "tool" {
			fixed += 4
			respIdx = append(respIdx, idx)
		} else {
			fixed += m.messageCost(messages[idx])
		}
	}
	if fixed >= budget || len(respIdx) == 0 {
		return 0
	}

	perResponse := (budget - fixed) / len(respIdx)
	if perResponse < 1 {
		return 0
	}
	total := fixed
	for _, idx := range respIdx {
		maxChars := perResponse * 4
		if len(messages[idx].Content) > maxChars {
			messages[idx].Content = messages[idx].Content[:maxChars]
			messages[idx].Truncated = true
		}
		total += m.Estimate(messages[idx].Content)
	}
	return total
}

// degrade keeps only the last system message and the last user message.
func (m *Manager) degrade(messages []ports.PromptMessage, report *Report) ([]ports.PromptMessage, Report) {
	var lastSystem, lastUser *ports.PromptMessage
	for i := range messages {
		switch messages[i].Role {
		case "system":
			lastSystem = &messages[i]
		case "user":
			lastUser = &messages[i]
		}
	}
	var out []ports.PromptMessage
	if lastSystem != nil {
		out = append(out, *lastSystem)
	}
	if lastUser != nil {
		out = append(out, *lastUser)
	}
	report.Degraded = true
	report.Dropped = len(messages) - len(out)
	report.TotalTokens = m.total(out)
	report.Exceeded = report.TotalTokens > m.maxTokens
	if report.Exceeded {
		m.logger.Warn().Int("tokens", report.TotalTokens).Int("budget", m.maxTokens).
			Msg("conversation exceeds budget even after degrading to minimal preserved set")
	}
	return out, *report
}

// repairPairing removes assistant messages whose tool calls lack a complete
// response set, along with their partial responses.
func (m *Manager) repairPairing(messages []ports.PromptMessage) ([]ports.PromptMessage, int) {
	drop := make(map[int]bool)

	// Map responses by call id for membership checks.
	responded := make(map[string]int)
	for i, msg := range messages {
		if msg.Role == "tool" && msg.ToolCallID != "" {
			responded[msg.ToolCallID] = i
		}
	}

	claimed := make(map[string]bool)
	for i, msg := range messages {
		if msg.Role != "assistant" || len(msg.ToolCalls) == 0 {
			continue
		}
		complete := true
		for _, call := range msg.ToolCalls {
			if _, ok := responded[call.ID]; !ok {
				complete = false
				break
			}
		}
		if !complete {
			drop[i] = true
			for _, call := range msg.ToolCalls {
				if idx, ok := responded[call.ID]; ok {
					drop[idx] = true
				}
			}
			m.logger.Warn().Int("calls", len(msg.ToolCalls)).
				Msg("removing tool-call group with mismatched pairing")
			continue
		}
		for _, call := range msg.ToolCalls {
			claimed[call.ID] = true
		}
	}

	// Orphaned tool results with no surviving initiating call.
	for i, msg := range messages {
		if msg.Role == "tool" && !drop[i] && !claimed[msg.ToolCallID] {
			drop[i] = true
			m.logger.Warn().Str("tool_call_id", msg.ToolCallID).
				Msg("removing orphaned tool result")
		}
	}

	if len(drop) == 0 {
		return messages, 0
	}
	out := make([]ports.PromptMessage, 0, len(messages)-len(drop))
	dropped := 0
	for i, msg := range messages {
		if drop[i] {
			dropped++
			continue
		}
		out = append(out, msg)
	}
	return out, dropped
}

func (m *Manager) total(messages []ports.PromptMessage) int {
	sum := 0
	for _, msg := range messages {
		sum += m.messageCost(msg)
	}
	return sum
}

func anyKept(keep []bool, indices []int) bool {
	for _, i := range indices {
		if keep[i] {
			return true
		}
	}
	return false
}
