package toolcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAll_Bracketed(t *testing.T) {
	text := `I'll look that up. [TOOL_CALL]get_issue(repository="acme/widgets", number=42)[/TOOL_CALL]`
	calls := ParseAll(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_issue", calls[0].Name)
	assert.Equal(t, "acme/widgets", calls[0].Parameters["repository"])
	assert.Equal(t, 42, calls[0].Parameters["number"])
}

func TestParseAll_BracketedBoolAndArray(t *testing.T) {
	text := `[TOOL_CALL]create_issue(title="bug, with comma", draft=true, labels=[bug, urgent])[/TOOL_CALL]`
	calls := ParseAll(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "bug, with comma", calls[0].Parameters["title"])
	assert.Equal(t, true, calls[0].Parameters["draft"])
	assert.Equal(t, []any{"bug", "urgent"}, calls[0].Parameters["labels"])
}

func TestParseAll_XML(t *testing.T) {
	text := `<tool_call><tool_name>get_issue</tool_name><parameters>{"repository":"acme/widgets","number":42}</parameters></tool_call>`
	calls := ParseAll(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_issue", calls[0].Name)
	assert.Equal(t, float64(42), calls[0].Parameters["number"])
}

func TestParseAll_FencedJSON(t *testing.T) {
	text := "```json\n{\"tool_name\":\"get_issue\",\"parameters\":{\"repository\":\"acme/widgets\",\"number\":42}}\n```"
	calls := ParseAll(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_issue", calls[0].Name)
}

func TestParseAll_OpenAIStyleFunctionForm(t *testing.T) {
	text := "```json\n{\"function\":{\"name\":\"get_issue\",\"arguments\":\"{\\\"repository\\\":\\\"acme/widgets\\\",\\\"number\\\":42}\"}}\n```"
	calls := ParseAll(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_issue", calls[0].Name)
	assert.Equal(t, "acme/widgets", calls[0].Parameters["repository"])
}

func TestParseAll_DuplicatesAcrossSyntaxesPreserved(t *testing.T) {
	text := `[TOOL_CALL]get_issue(repository="acme/widgets", number=1)[/TOOL_CALL]` +
		"\n```json\n{\"tool_name\":\"get_issue\",\"parameters\":{\"repository\":\"acme/widgets\",\"number\":1}}\n```"
	calls := ParseAll(text)
	assert.Len(t, calls, 2)
}

func TestParseAll_NoCalls(t *testing.T) {
	calls := ParseAll("just a normal reply with no tool calls")
	assert.Empty(t, calls)
}

func TestSplitTopLevelArgs_CommaInsideQuotesAndBrackets(t *testing.T) {
	parts := splitTopLevelArgs(`a="x, y", b=[1, 2, 3], c=done`)
	require.Len(t, parts, 3)
}

func TestCoerceBracketedValue(t *testing.T) {
	assert.Equal(t, true, coerceBracketedValue("true"))
	assert.Equal(t, false, coerceBracketedValue("false"))
	assert.Equal(t, 42, coerceBracketedValue("42"))
	assert.Equal(t, 3.5, coerceBracketedValue("3.5"))
	assert.Equal(t, "hello", coerceBracketedValue(`"hello"`))
	assert.Equal(t, "bare", coerceBracketedValue("bare"))
}
