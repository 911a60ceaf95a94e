package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quorumlabs/councilproxy/internal/domain"
)

const (
	disagreementPairThreshold = 0.7
	disagreementTokenMinLen   = 4
	disagreementMaxTokens     = 3
	maxPromptExamples         = 2
)

// Agreement is a transitively-closed group of members whose responses sit at
// or above the agreement threshold. Groups are disjoint by member.
type Agreement struct {
	MemberIDs []string `json:"member_ids"`
	Position  string   `json:"position"`
	Cohesion  float64  `json:"cohesion"`
}

// NegotiationExample is a historical disagreement and its resolution, shown
// to members as guidance. At most two reach a prompt.
type NegotiationExample struct {
	Category     string `json:"category"`
	Disagreement string `json:"disagreement"`
	Resolution   string `json:"resolution"`
}

const defaultNegotiationTemplate = `You are a council member negotiating toward a shared answer.

Original question:
{{query}}

Current responses from all members:
{{responses}}

Identified disagreements:
{{disagreements}}

Existing agreements:
{{agreements}}

{{examples}}

Revise your answer to move toward consensus. Address the disagreements
directly and preserve points the council already agrees on.`

// BuildNegotiationPrompt renders the per-member prompt for the next round.
// The query is sanitized before interpolation; responses are ordered and
// attributed; examples are capped at two. An empty template falls back to the
// built-in one.
func BuildNegotiationPrompt(query string, responses []domain.NegotiationResponse, disagreements []string, agreements []Agreement, examples []NegotiationExample, template string) string {
	if template == "" {
		template = defaultNegotiationTemplate
	}
	if len(examples) > maxPromptExamples {
		examples = examples[:maxPromptExamples]
	}

	out := strings.ReplaceAll(template, "{{query}}", SanitizeQuery(query))
	out = strings.ReplaceAll(out, "{{responses}}", formatResponses(responses))
	out = strings.ReplaceAll(out, "{{disagreements}}", formatList(disagreements, "No disagreements identified."))
	out = strings.ReplaceAll(out, "{{agreements}}", formatAgreements(agreements))
	out = strings.ReplaceAll(out, "{{examples}}", formatExamples(examples))
	return out
}

func formatResponses(responses []domain.NegotiationResponse) string {
	if len(responses) == 0 {
		return "No responses yet."
	}
	var b strings.Builder
	for i, r := range responses {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]: %s", r.MemberID, r.Content)
	}
	return b.String()
}

func formatList(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s", item)
	}
	return b.String()
}

func formatAgreements(agreements []Agreement) string {
	if len(agreements) == 0 {
		return "No agreements yet."
	}
	var b strings.Builder
	for i, a := range agreements {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s agree (cohesion %.2f): %s", strings.Join(a.MemberIDs, ", "), a.Cohesion, a.Position)
	}
	return b.String()
}

func formatExamples(examples []NegotiationExample) string {
	if len(examples) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Past resolutions for similar disagreements:")
	for _, e := range examples {
		fmt.Fprintf(&b, "\n- [%s] %s => %s", e.Category, e.Disagreement, e.Resolution)
	}
	return b.String()
}

// IdentifyDisagreements emits a description for each response pair whose
// similarity falls below 0.7. The summary comes from the symmetric difference
// of content tokens longer than 3 characters, at most 3 per side.
func IdentifyDisagreements(responses []domain.NegotiationResponse, matrix [][]float64) []string {
	var out []string
	for i := 0; i < len(responses); i++ {
		for j := i + 1; j < len(responses); j++ {
			if matrix[i][j] >= disagreementPairThreshold {
				continue
			}
			left := distinctTokens(responses[i].Content, responses[j].Content)
			right := distinctTokens(responses[j].Content, responses[i].Content)
			out = append(out, fmt.Sprintf("members %s and %s disagree: %s vs %s",
				responses[i].MemberID, responses[j].MemberID,
				summarizeTokens(left), summarizeTokens(right)))
		}
	}
	return out
}

// distinctTokens returns tokens of a (longer than 3 chars, lowercased) that
// do not appear in b, in first-seen order.
func distinctTokens(a, b string) []string {
	present := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(b)) {
		present[strings.Trim(t, ".,;:!?\"'()")] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range strings.Fields(strings.ToLower(a)) {
		t = strings.Trim(t, ".,;:!?\"'()")
		if len(t) < disagreementTokenMinLen || present[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == disagreementMaxTokens {
			break
		}
	}
	return out
}

func summarizeTokens(tokens []string) string {
	if len(tokens) == 0 {
		return "(no distinct terms)"
	}
	return strings.Join(tokens, ", ")
}

// ExtractAgreements groups responses whose pairwise similarity meets the
// threshold. Each seed pair extends transitively to members agreeing with
// both endpoints; groups are disjoint by member with the first group winning.
func ExtractAgreements(responses []domain.NegotiationResponse, matrix [][]float64, threshold float64) []Agreement {
	n := len(responses)
	claimed := make([]bool, n)
	var out []Agreement

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if claimed[i] || claimed[j] || matrix[i][j] < threshold {
				continue
			}
			group := []int{i, j}
			for k := 0; k < n; k++ {
				if k == i || k == j || claimed[k] {
					continue
				}
				if matrix[i][k] >= threshold && matrix[j][k] >= threshold {
					group = append(group, k)
				}
			}
			sort.Ints(group)

			ids := make([]string, len(group))
			for idx, g := range group {
				ids[idx] = responses[g].MemberID
				claimed[g] = true
			}
			out = append(out, Agreement{
				MemberIDs: ids,
				Position:  responses[group[0]].Content,
				Cohesion:  groupCohesion(matrix, group),
			})
		}
	}
	return out
}

// groupCohesion is the mean pairwise similarity within the group.
func groupCohesion(matrix [][]float64, group []int) float64 {
	if len(group) < 2 {
		return 1
	}
	var sum float64
	var count int
	for a := 0; a < len(group); a++ {
		for b := a + 1; b < len(group); b++ {
			sum += matrix[group[a]][group[b]]
			count++
		}
	}
	return sum / float64(count)
}
