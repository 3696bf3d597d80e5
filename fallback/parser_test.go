package fallback

import (
	"testing"
)

func TestCommandParser(t *testing.T) {
	p := NewCommandParser()

	cases := []struct {
		message string
		tool    string
		param   string
		value   interface{}
	}{
		{"create a tide called Focus Time", ToolTideCreate, "name", "Focus Time"},
		{"Create a new tide named \"Deep Work\".", ToolTideCreate, "name", "Deep Work"},
		{"show my tides", ToolTideList, "", nil},
		{"start a flow session", ToolTideFlow, "action", "start"},
		{"please stop the flow for tide id: abc-123", ToolTideFlow, "tide_id", "abc-123"},
		{"set my energy to 7", ToolTideAddEnergy, "energy_level", 7},
		{"get my weekly report", ToolTideGetReport, "period", "weekly"},
		{"report for the month, monthly please", ToolTideGetReport, "period", "monthly"},
		{"link task https://tasks.example/42 to tide t-9", ToolTideLinkTask, "tide_id", "t-9"},
		{"show task links", ToolTideListTaskLinks, "", nil},
		{"who are the participants", ToolTidesGetParticipant, "", nil},
	}

	for _, tc := range cases {
		cmd, ok := p.Parse(tc.message)
		if !ok {
			t.Errorf("%q: expected a command", tc.message)
			continue
		}
		if cmd.Tool != tc.tool {
			t.Errorf("%q: expected %s, got %s", tc.message, tc.tool, cmd.Tool)
			continue
		}
		if tc.param != "" && cmd.Params[tc.param] != tc.value {
			t.Errorf("%q: expected %s=%v, got %v", tc.message, tc.param, tc.value, cmd.Params[tc.param])
		}
	}

	if _, ok := p.Parse("what is the meaning of life"); ok {
		t.Error("Expected no command for chit-chat")
	}
}
