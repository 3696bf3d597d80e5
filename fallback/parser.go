package fallback

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidesapp/tidelink/tidelink"
)

// Tide tool names understood by the tide MCP server.
const (
	ToolTideCreate          = "tide_create"
	ToolTideList            = "tide_list"
	ToolTideFlow            = "tide_flow"
	ToolTideAddEnergy       = "tide_add_energy"
	ToolTideLinkTask        = "tide_link_task"
	ToolTideListTaskLinks   = "tide_list_task_links"
	ToolTideGetReport       = "tide_get_report"
	ToolTidesGetParticipant = "tides_get_participants"
)

// commandRule maps a message pattern to a tool call.
type commandRule struct {
	pattern *regexp.Regexp
	build   func(match []string) *tidelink.Command
}

// CommandParser infers a structured tool command from a free-text message.
type CommandParser struct {
	rules []commandRule
}

var tideIDPattern = regexp.MustCompile(`(?i)\btide[ _-]?id[:= ]+([\w-]+)`)

// NewCommandParser returns a parser for the tide tools.
func NewCommandParser() *CommandParser {
	return &CommandParser{rules: []commandRule{
		{
			pattern: regexp.MustCompile(`(?i)\b(?:create|make|start|add)\s+(?:a\s+|an\s+|new\s+|a\s+new\s+)?tide\s+(?:called|named|for)\s+["']?(.+?)["']?\s*[.!?]?$`),
			build: func(m []string) *tidelink.Command {
				return command(ToolTideCreate, map[string]interface{}{"name": strings.TrimSpace(m[1])})
			},
		},
		{
			pattern: regexp.MustCompile(`(?i)\blink\s+(?:task\s+)?(\S+)\s+to\s+tide\s+([\w-]+)`),
			build: func(m []string) *tidelink.Command {
				return command(ToolTideLinkTask, map[string]interface{}{"task_url": m[1], "tide_id": m[2]})
			},
		},
		{
			pattern: regexp.MustCompile(`(?i)\b(?:list|show)\b.*\b(?:task\s+)?links\b`),
			build: func(m []string) *tidelink.Command {
				return command(ToolTideListTaskLinks, map[string]interface{}{})
			},
		},
		{
			pattern: regexp.MustCompile(`(?i)\b(start|begin|stop|end|pause)\b.*\bflow\b`),
			build: func(m []string) *tidelink.Command {
				action := "start"
				switch strings.ToLower(m[1]) {
				case "stop", "end", "pause":
					action = "stop"
				}
				return command(ToolTideFlow, map[string]interface{}{"action": action})
			},
		},
		{
			pattern: regexp.MustCompile(`(?i)\benergy\b\D*\b(10|[1-9])\b`),
			build: func(m []string) *tidelink.Command {
				level, _ := strconv.Atoi(m[1])
				return command(ToolTideAddEnergy, map[string]interface{}{"energy_level": level})
			},
		},
		{
			pattern: regexp.MustCompile(`(?i)\b(daily|weekly|monthly)\b.*\breport\b|\breport\b.*\b(daily|weekly|monthly)\b`),
			build: func(m []string) *tidelink.Command {
				period := m[1]
				if period == "" {
					period = m[2]
				}
				return command(ToolTideGetReport, map[string]interface{}{"period": strings.ToLower(period)})
			},
		},
		{
			pattern: regexp.MustCompile(`(?i)\bparticipants\b`),
			build: func(m []string) *tidelink.Command {
				return command(ToolTidesGetParticipant, map[string]interface{}{})
			},
		},
		{
			pattern: regexp.MustCompile(`(?i)\b(?:list|show|get)\b.*\btides\b`),
			build: func(m []string) *tidelink.Command {
				return command(ToolTideList, map[string]interface{}{})
			},
		},
	}}
}

func command(tool string, params map[string]interface{}) *tidelink.Command {
	return &tidelink.Command{Tool: tool, Params: params}
}

// Parse returns the command for message, or false when no rule matches.
// A "tide id: X" mention is attached to commands that act on a tide.
func (p *CommandParser) Parse(message string) (*tidelink.Command, bool) {
	message = strings.TrimSpace(message)
	for _, rule := range p.rules {
		match := rule.pattern.FindStringSubmatch(message)
		if match == nil {
			continue
		}
		cmd := rule.build(match)
		if _, ok := cmd.Params["tide_id"]; !ok && cmd.Tool != ToolTideCreate {
			if id := tideIDPattern.FindStringSubmatch(message); id != nil {
				cmd.Params["tide_id"] = id[1]
			}
		}
		return cmd, true
	}
	return nil, false
}
