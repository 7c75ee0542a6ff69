// Package transcript parses JSON-Lines transcript records and
// derives per-item metadata: classification, display level, token
// usage, cost, grouping, and cross-references. Everything in this
// package is a pure function of the record bytes; persistence and
// file I/O live in the indexer.
package transcript

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/twidi/twicc/internal/timeutil"
)

// ComputeVersion marks the derivation rules that produced a
// session's cached derived fields. Bump it whenever Classify,
// usage extraction, or grouping semantics change; sessions stored
// with an older version are re-indexed from offset zero.
const ComputeVersion = 1

// Block types recognized inside message.content.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockDocument   = "document"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Block is one typed entry of a message content array.
type Block struct {
	Type      string
	Text      string
	ToolUseID string // tool_use and tool_result
	ToolName  string // tool_use only
	InputJSON string // tool_use only, verbatim input object
	AgentID   string // tool_use only, set when the call spawns an agent
}

// Usage is the token accounting block of an assistant record.
type Usage struct {
	Input         int64
	Output        int64
	CacheRead     int64
	CacheCreate5m int64
	CacheCreate1h int64
}

// ContextTokens is the context-window footprint of the single
// record carrying this usage block.
func (u Usage) ContextTokens() int64 {
	return u.Input + u.CacheRead + u.CacheCreate5m + u.CacheCreate1h
}

// Record is one parsed transcript line. Valid is false when the
// line is not a JSON object; such records keep their raw bytes and
// classify as unknown.
type Record struct {
	Raw   string
	Valid bool

	Type            string
	Role            string
	Timestamp       time.Time
	SessionID       string
	AgentID         string
	ParentToolUseID string
	CustomTitle     string
	Cwd             string
	GitBranch       string
	Model           string
	MessageID       string
	PlanSlug        string
	IsAPIError      bool

	Usage  *Usage
	Blocks []Block
}

// Parse decodes one transcript line. It never fails: malformed
// input yields a Record with Valid=false and the raw bytes intact.
func Parse(raw string) Record {
	r := Record{Raw: raw}
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return r
	}
	r.Valid = true

	r.Type = gjson.Get(raw, "type").Str
	r.Role = gjson.Get(raw, "message.role").Str
	r.Timestamp = timeutil.Parse(gjson.Get(raw, "timestamp").Str)
	r.SessionID = gjson.Get(raw, "sessionId").Str
	r.AgentID = gjson.Get(raw, "agentId").Str
	r.ParentToolUseID = gjson.Get(raw, "parentToolUseId").Str
	r.CustomTitle = gjson.Get(raw, "customTitle").Str
	r.Cwd = gjson.Get(raw, "cwd").Str
	r.GitBranch = gjson.Get(raw, "gitBranch").Str
	r.Model = gjson.Get(raw, "message.model").Str
	r.MessageID = gjson.Get(raw, "message.id").Str
	r.IsAPIError = r.Type == "api_error" ||
		gjson.Get(raw, "isApiErrorMessage").Bool()

	if slug := gjson.Get(raw, "slug").Str; slug != "" {
		r.PlanSlug = slug
	} else {
		r.PlanSlug = gjson.Get(raw, "toolUseResult.plan.slug").Str
	}

	if u := gjson.Get(raw, "message.usage"); u.Exists() {
		r.Usage = parseUsage(u)
	}

	content := gjson.Get(raw, "message.content")
	if content.IsArray() {
		content.ForEach(func(_, blk gjson.Result) bool {
			r.Blocks = append(r.Blocks, parseBlock(blk))
			return true
		})
	} else if content.Type == gjson.String {
		// Older records carry content as a bare string.
		r.Blocks = append(r.Blocks, Block{
			Type: BlockText,
			Text: content.Str,
		})
	}

	return r
}

func parseUsage(u gjson.Result) *Usage {
	out := &Usage{
		Input:     u.Get("input_tokens").Int(),
		Output:    u.Get("output_tokens").Int(),
		CacheRead: u.Get("cache_read_input_tokens").Int(),
	}
	if cc := u.Get("cache_creation"); cc.Exists() {
		out.CacheCreate5m = cc.Get("ephemeral_5m_input_tokens").Int()
		out.CacheCreate1h = cc.Get("ephemeral_1h_input_tokens").Int()
	} else {
		// Flat field predates the 5m/1h split; bill it at the
		// short-lived rate.
		out.CacheCreate5m = u.Get("cache_creation_input_tokens").Int()
	}
	return out
}

func parseBlock(blk gjson.Result) Block {
	b := Block{Type: blk.Get("type").Str}
	switch b.Type {
	case BlockText, BlockThinking:
		b.Text = blk.Get("text").Str
		if b.Text == "" {
			b.Text = blk.Get("thinking").Str
		}
	case BlockToolUse:
		b.ToolUseID = blk.Get("id").Str
		b.ToolName = blk.Get("name").Str
		if in := blk.Get("input"); in.Exists() {
			b.InputJSON = in.Raw
			b.AgentID = in.Get("agentId").Str
		}
	case BlockToolResult:
		b.ToolUseID = blk.Get("tool_use_id").Str
	}
	return b
}
