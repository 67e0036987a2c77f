package deepresearch

import (
	"context"
	"strconv"
	"strings"
)

// chatText runs a prompt through the configured provider and swallows
// failures; every caller has a degraded path.
func (o *Orchestrator) chatText(ctx context.Context, provider, question, grounding string) string {
	if provider == "" {
		provider = o.llmCfg.Provider
	}
	out, err := o.newChat(provider).Chat(ctx, question, grounding)
	if err != nil {
		o.log.Debug().Err(err).Msg("llm call failed")
		return ""
	}
	return strings.TrimSpace(out)
}

// rewriteForSearch turns the question into a compact web search query.
func (o *Orchestrator) rewriteForSearch(ctx context.Context, question, recentContext string) string {
	prompt := "Rewrite the user question into a concise web search query. " +
		"Use 6-12 words, drop filler, keep proper nouns. " +
		"Return only the query text.\n\n" +
		"Question: " + question + "\n" +
		"Context: " + strings.TrimSpace(recentContext)
	rewritten := o.chatText(ctx, "", prompt, "")
	if rewritten == "" {
		return ""
	}
	if i := strings.IndexByte(rewritten, '\n'); i >= 0 {
		rewritten = rewritten[:i]
	}
	return strings.TrimSpace(rewritten)
}

// identifyMissingConcepts asks the model which subtopics the gathered
// context does not yet cover.
func (o *Orchestrator) identifyMissingConcepts(ctx context.Context, question, contextPreview string) []string {
	prompt := "Given the question and the available context preview, list missing concepts " +
		"or subtopics that should be researched. Return a short comma-separated list.\n\n" +
		"Question: " + question + "\n" +
		"Context preview: " + strings.TrimSpace(contextPreview)
	raw := o.chatText(ctx, "", prompt, "")
	if raw == "" {
		return nil
	}
	var concepts []string
	for _, part := range listItemSplitRe.Split(raw, -1) {
		if c := strings.Trim(part, " -•\t"); c != "" {
			concepts = append(concepts, c)
		}
	}
	if len(concepts) > 6 {
		concepts = concepts[:6]
	}
	return concepts
}

// synthesize drafts an answer grounded in the labeled evidence blocks.
func (o *Orchestrator) synthesize(ctx context.Context, provider, question, fullContext, convSnippet string) string {
	guardrails := "You must ground every claim in the provided context. " +
		"If the context is insufficient, explicitly say what is missing and avoid speculation. " +
		"Cite the relevant evidence by referring to the section labels (LOCAL KB, USER URL, WEB)."
	var grounding strings.Builder
	if cc := strings.TrimSpace(convSnippet); cc != "" {
		grounding.WriteString("Conversation so far:\n")
		grounding.WriteString(cc)
		grounding.WriteString("\n\n")
	}
	grounding.WriteString(guardrails)
	grounding.WriteString("\n\n")
	grounding.WriteString(truncate(fullContext, synthesisContextLimit))
	return o.chatText(ctx, provider, question, grounding.String())
}

// refine rewrites a draft against the context and conversation.
func (o *Orchestrator) refine(ctx context.Context, provider, question, draft, fullContext, convSnippet string) string {
	guardrails := "Ground each statement in the provided context. " +
		"If evidence is missing or conflicting, say so clearly rather than guessing. " +
		"Prefer concise, factual language."
	var prompt strings.Builder
	prompt.WriteString("Please refine and improve the following draft answer using the provided context and conversation so far.\n\n")
	prompt.WriteString("Question: " + question + "\n\n")
	if cc := truncate(strings.TrimSpace(convSnippet), refineSnippetLimit); cc != "" {
		prompt.WriteString("Conversation so far (truncated):\n" + cc + "\n\n")
	}
	prompt.WriteString("Draft Answer:\n" + draft + "\n\n")
	prompt.WriteString(guardrails)
	prompt.WriteString("\n\nContext:\n" + truncate(fullContext, refineContextLimit) + "\n\n")
	prompt.WriteString("Return a concise, well-structured answer grounded in the context and consistent with the conversation.")
	return o.chatText(ctx, provider, prompt.String(), "")
}

// maybeFollowups proposes clarifying questions when confidence is below
// the prompt threshold, or once on a first turn that found local hits.
func (o *Orchestrator) maybeFollowups(ctx context.Context, question, fullContext, convSnippet string, confidence float64, messages []Message, hasLocalHits bool) []string {
	shouldPrompt := confidence < o.cfg.FollowupThreshold
	userTurns := 0
	for _, m := range messages {
		if m.Role == "user" {
			userTurns++
		}
	}
	allowFirstTurn := userTurns <= 1 && hasLocalHits
	if !shouldPrompt && !allowFirstTurn {
		return nil
	}
	maxQuestions := o.cfg.FollowupMaxQuestions
	if maxQuestions <= 0 {
		maxQuestions = 2
	}
	if allowFirstTurn && !shouldPrompt && maxQuestions > 1 {
		maxQuestions = 1
	}
	return o.generateFollowups(ctx, question, truncate(fullContext, previewLen), convSnippet, maxQuestions)
}

func (o *Orchestrator) generateFollowups(ctx context.Context, question, contextPreview, convSnippet string, maxQuestions int) []string {
	var prompt strings.Builder
	prompt.WriteString("Based on the conversation so far, ask clarifying follow-up questions that would help answer the user's current request. ")
	prompt.WriteString("Keep them short, specific, and tied to the user's intent. Return a numbered list of up to ")
	prompt.WriteString(strconv.Itoa(maxQuestions))
	prompt.WriteString(" questions.\n\n")
	if cc := strings.TrimSpace(convSnippet); cc != "" {
		prompt.WriteString("Conversation so far:\n" + cc + "\n\n")
	}
	prompt.WriteString("Current question: " + question + "\n")
	prompt.WriteString("Context preview: " + strings.TrimSpace(contextPreview))

	raw := o.chatText(ctx, "", prompt.String(), "")
	if raw == "" {
		return nil
	}
	var candidates []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(numberedRe.ReplaceAllString(strings.TrimSpace(line), ""))
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "?") || len(line) > 6 {
			candidates = append(candidates, line)
		}
	}
	filtered := filterFollowups(candidates, question, convSnippet, o.cfg.FollowupRelevanceMin)
	if len(filtered) > maxQuestions {
		filtered = filtered[:maxQuestions]
	}
	return filtered
}
