package chat

import (
	"strings"

	"google.golang.org/genai"
)

// The action vocabulary is a closed tagged set. Anything the model
// produces that does not parse into search or finish becomes an implicit
// finish carrying whatever text was produced, so the loop always
// terminates even on malformed output.

type actionKind int

const (
	actionSearch actionKind = iota
	actionFinish
)

const (
	toolSearchDocuments = "search_documents"
	toolFinish          = "finish"
)

type action struct {
	kind actionKind

	// query is set for search actions
	query string
	// draft is the answer text carried by a finish action. May be empty
	// when the model produced nothing usable.
	draft string
}

// agentTools declares the two callable actions for function calling
func agentTools() []*genai.Tool {
	return []*genai.Tool{
		{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        toolSearchDocuments,
					Description: "Search for information in the channel's documents. Use this to find content that helps answer the user's question.",
					Parameters: &genai.Schema{
						Type: genai.TypeObject,
						Properties: map[string]*genai.Schema{
							"query": {
								Type:        genai.TypeString,
								Description: "The search query to find relevant information in documents.",
							},
						},
						Required: []string{"query"},
					},
				},
				{
					Name:        toolFinish,
					Description: "Call this when you have gathered enough information and are ready to give the final answer.",
					Parameters: &genai.Schema{
						Type: genai.TypeObject,
						Properties: map[string]*genai.Schema{
							"answer": {
								Type:        genai.TypeString,
								Description: "The complete final answer to the user's question with citations.",
							},
						},
						Required: []string{"answer"},
					},
				},
			},
		},
	}
}

// parseAction maps a model response onto the closed action set
func parseAction(resp *genai.GenerateContentResponse) action {
	if resp == nil {
		return action{kind: actionFinish}
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

			fc := part.FunctionCall
			if fc == nil {
				continue
			}

			switch fc.Name {
			case toolSearchDocuments:
				if query, ok := fc.Args["query"].(string); ok && query != "" {
					return action{kind: actionSearch, query: query}
				}
				// search without a query is unusable, fall through to finish
			case toolFinish:
				answer, _ := fc.Args["answer"].(string)
				return action{kind: actionFinish, draft: answer}
			}
			// unknown tool name: implicit finish below
		}
	}

	return action{kind: actionFinish, draft: strings.Join(texts, "\n")}
}
