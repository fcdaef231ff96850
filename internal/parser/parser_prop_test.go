package parser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genCallContent builds assistant content mixing prose with well-formed
// tool calls in the recognized syntaxes.
func genCallContent() gopter.Gen {
	prose := gen.AlphaString()
	toolName := gen.OneConstOf("read_file", "write_file", "search_files", "execute_bash")
	argValue := gen.Identifier()

	xmlCall := gopter.CombineGens(toolName, argValue).Map(func(vals []interface{}) string {
		return fmt.Sprintf("<tool_call><tool_name>%s</tool_name><parameters><path>%s</path></parameters></tool_call>",
			vals[0], vals[1])
	})
	jsonCall := gopter.CombineGens(toolName, argValue).Map(func(vals []interface{}) string {
		return fmt.Sprintf(`{"name": %q, "arguments": {"path": %q}}`, vals[0], vals[1])
	})
	fencedCall := jsonCall.Map(func(s string) string {
		return "```json\n" + s + "\n```"
	})

	part := gen.Weighted([]gen.WeightedGen{
		{Weight: 4, Gen: prose},
		{Weight: 2, Gen: xmlCall},
		{Weight: 2, Gen: jsonCall},
		{Weight: 1, Gen: fencedCall},
	})
	return gen.SliceOfN(4, part).Map(func(parts []string) string {
		return strings.Join(parts, "\n\n")
	})
}

// Cleaning must be a fixed point: parsing cleaned content finds no
// calls, and cleaning cleaned content changes nothing.
func TestCleaningIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("cleaned content yields no calls", prop.ForAll(
		func(content string) bool {
			first := Parse(content)
			if first.Err != nil {
				return true
			}
			second := Parse(first.CleanedContent)
			return second.Err == nil && len(second.Calls) == 0
		},
		genCallContent(),
	))

	properties.Property("cleaning cleaned content is a no-op", prop.ForAll(
		func(content string) bool {
			first := Parse(content)
			if first.Err != nil {
				return true
			}
			second := Parse(first.CleanedContent)
			return second.CleanedContent == first.CleanedContent
		},
		genCallContent(),
	))

	properties.TestingRun(t)
}
