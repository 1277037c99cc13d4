package chat

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/m-mizutani/fennec/pkg/adapter"
	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/fennec/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

//go:embed prompt/think.md
var thinkPromptRaw string

//go:embed prompt/final.md
var finalPromptRaw string

var (
	thinkPromptTmpl = template.Must(template.New("think").Parse(thinkPromptRaw))
	finalPromptTmpl = template.Must(template.New("final").Parse(finalPromptRaw))
)

// noEvidenceAnswer is returned when the loop ends with nothing to work
// with and the final generation produced no text either
const noEvidenceAnswer = "No relevant information was found in the documents."

// truncate long search observations before they go back into the prompt
const maxObservationLen = 4000

// DefaultMaxIterations bounds the think/act/observe loop. The bound is the
// functional equivalent of a timeout: bounded work, not wall clock.
const DefaultMaxIterations = 3

// Agent runs the bounded reasoning loop over one channel. Each Run or Loop
// call keeps all its state in locals, so one Agent can serve concurrent
// exchanges.
type Agent struct {
	gemini        adapter.Gemini
	search        adapter.FileSearch
	maxIterations int
}

type AgentOption func(*Agent)

// WithMaxIterations overrides the iteration cap
func WithMaxIterations(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

func NewAgent(gemini adapter.Gemini, search adapter.FileSearch, opts ...AgentOption) *Agent {
	a := &Agent{
		gemini:        gemini,
		search:        search,
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Step records one think/act/observe iteration. Steps live only for the
// duration of one exchange.
type Step struct {
	Index       int
	Query       string
	Observation string
	Failed      bool
}

// Result is the outcome of a completed exchange
type Result struct {
	Answer    string
	Citations []model.Citation
	Steps     []Step
}

// Final is the prepared final generation step. The relay runs it in
// incremental mode; Run executes it in one shot.
type Final struct {
	Contents []*genai.Content
	Config   *genai.GenerateContentConfig

	Citations []model.Citation
	Steps     []Step

	draft string
}

// Fallback is the answer to use when the final generation yields no text
func (f *Final) Fallback() string {
	if f.draft != "" {
		return f.draft
	}
	return noEvidenceAnswer
}

// Run executes the full loop and the unconditional final generation step,
// returning the answer with the citations gathered from accepted
// observations.
func (a *Agent) Run(ctx context.Context, store model.StoreName, question string, history []*model.Turn) (*Result, error) {
	final, err := a.Loop(ctx, store, question, history)
	if err != nil {
		return nil, err
	}

	resp, err := a.gemini.GenerateContent(ctx, final.Contents, final.Config)
	if err != nil {
		// Unlike search failures, a failure of the final generation step
		// is a hard error: there is no answer to deliver.
		return nil, goerr.Wrap(err, "final generation failed")
	}

	answer := responseText(resp)
	if answer == "" {
		answer = final.Fallback()
	}

	return &Result{
		Answer:    answer,
		Citations: final.Citations,
		Steps:     final.Steps,
	}, nil
}

// Loop runs think/act/observe iterations until the model finishes or the
// iteration cap is reached, then prepares the final generation step. The
// loop itself never fails on tool errors; they become observations. Only
// context cancellation aborts it.
func (a *Agent) Loop(ctx context.Context, store model.StoreName, question string, history []*model.Turn) (*Final, error) {
	logger := logging.From(ctx)

	systemPrompt, err := renderTemplate(thinkPromptTmpl, map[string]any{
		"MaxIterations": a.maxIterations,
	})
	if err != nil {
		return nil, err
	}

	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, ""),
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
		Tools: agentTools(),
	}

	contents := historyContents(history)
	contents = append(contents, genai.NewContentFromText(question, genai.RoleUser))

	var (
		steps     []Step
		citations []model.Citation
		draft     string
	)

	for i := 0; i < a.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, goerr.Wrap(err, "reasoning loop aborted")
		}

		resp, err := a.gemini.GenerateContent(ctx, contents, config)
		if err != nil {
			if ctx.Err() != nil {
				return nil, goerr.Wrap(err, "reasoning loop aborted")
			}
			// A broken think step must not kill the exchange. Skip straight
			// to the final step with whatever evidence exists.
			logger.Warn("think step failed, forcing finish", "error", err, "iteration", i)
			break
		}

		act := parseAction(resp)
		if act.kind == actionFinish {
			draft = act.draft
			break
		}

		step := Step{Index: i, Query: act.query}
		snippets, searchErr := a.search.Search(ctx, store, act.query)
		if searchErr != nil {
			// Recovered locally: the failure is an observation the model
			// can react to, and it consumes the iteration like a success.
			step.Failed = true
			step.Observation = fmt.Sprintf("Search failed: %v. You may retry with a different query or finish with the evidence you have.", searchErr)
			logger.Warn("document search failed", "query", act.query, "error", searchErr)
		} else {
			step.Observation = formatSnippets(snippets)
			citations = append(citations, snippets...)
		}
		steps = append(steps, step)

		// Feed the observation back per the function calling protocol
		for _, candidate := range resp.Candidates {
			if candidate.Content != nil {
				contents = append(contents, candidate.Content)
				break
			}
		}
		contents = append(contents, &genai.Content{
			Role: genai.RoleUser,
			Parts: []*genai.Part{
				{FunctionResponse: &genai.FunctionResponse{
					Name:     toolSearchDocuments,
					Response: map[string]any{"result": step.Observation},
				}},
			},
		})
	}

	finalPrompt, err := renderTemplate(finalPromptTmpl, map[string]any{
		"Question":     question,
		"Draft":        draft,
		"Observations": steps,
	})
	if err != nil {
		return nil, err
	}

	finalContents := historyContents(history)
	finalContents = append(finalContents, genai.NewContentFromText(finalPrompt, genai.RoleUser))

	return &Final{
		Contents: finalContents,
		Config: &genai.GenerateContentConfig{
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: false,
				ThinkingBudget:  &thinkingBudget,
			},
		},
		Citations: model.DedupCitations(citations),
		Steps:     steps,
		draft:     draft,
	}, nil
}

// historyContents converts persisted turns into model contents
func historyContents(history []*model.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+2)
	for _, turn := range history {
		role := genai.Role(genai.RoleUser)
		if turn.Role == model.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	return contents
}

// formatSnippets renders search results as an observation
func formatSnippets(snippets []model.Citation) string {
	if len(snippets) == 0 {
		return "No relevant documents found for this query."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d relevant sections:\n", len(snippets))
	for _, s := range snippets {
		sb.WriteString("\n[")
		sb.WriteString(s.Label)
		sb.WriteString("]\n")
		sb.WriteString(s.Snippet)
		sb.WriteString("\n")
	}

	obs := sb.String()
	if len(obs) > maxObservationLen {
		obs = obs[:maxObservationLen]
	}
	return obs
}

// responseText joins the text parts of a response
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var texts []string
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
	}
	return strings.Join(texts, "")
}

func renderTemplate(tmpl *template.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", goerr.Wrap(err, "failed to render prompt template")
	}
	return buf.String(), nil
}
