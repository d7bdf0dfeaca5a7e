package insight

import (
	"fmt"
	"strings"
	"time"

	"muze/internal/types"
)

func goalExtractionPrompt(freeText string) string {
	return fmt.Sprintf(`You are analyzing a user's goals and projects for a personal biographer system.

**User's Input:**
%s

**Your Task:**
Extract ALL distinct goals, projects, or focus areas mentioned. For each one:
1. Create a clear, concise name (2-5 words)
2. Assign a weight from 1-5 based on:
   - Explicit urgency (5 = "launching next week", 1 = "someday")
   - Level of detail provided (more detail = higher weight)
   - Action-oriented vs aspirational (action = higher weight)

**Output Format:**
Return a JSON array of objects. Each object must have:
- "name": string (the goal/project name)
- "weight": integer 1-5
- "description": string (1 sentence summary)

**Rules:**
- Extract AT LEAST 1 goal, even if vague
- If only one thing mentioned, still return it as an array with 1 item
- Don't invent goals not mentioned

Generate the JSON array now:`, freeText)
}

func reconcilePrompt(corpus, loopsJSON, message string, now time.Time) string {
	if strings.TrimSpace(loopsJSON) == "" || loopsJSON == "null" {
		loopsJSON = "{}"
	}
	return fmt.Sprintf(`You are the State Manager for a personal biographer system.
Your job is to analyze the user's latest message and manage their "Open Loops" - ongoing projects, future events, and topics that need follow-up.

**User's Knowledge Graph:**
%s

**Current Open Loops:**
%s

**Latest User Message:**
"%s"

**Your Tasks:**

1. Detect New Loops: did the user mention a FUTURE EVENT, a new project, or a goal? Add it with status "active", a weight 1-5 (5 = urgent/time-bound, 1-2 = casual mention), a next_event_date if a specific date was given, and a 1 sentence description.

2. Close Completed Loops: if the user indicated something is DONE, mark that loop's status "closed".

3. Corpus Cleanup: identify OBSOLETE or OUTDATED lines in the knowledge graph (superseded facts, contradictions) and return specific cleanup instructions.

**Output Format:**
Return JSON with this exact structure:

{
  "updated_loops": {
    "Topic Name": {
      "status": "active|closed",
      "last_updated": "%s",
      "next_event_date": "2006-01-02" or null,
      "weight": 3,
      "description": "Brief description"
    }
  },
  "corpus_cleanup": [
    "DELETE line: '...' - reason",
    "REPLACE '...' with '...'"
  ],
  "reasoning": "Brief explanation of changes made"
}

**Important Rules:**
- Include ONLY loops you are changing or creating; omitted loops are preserved automatically
- Only mark "closed" if the user explicitly completed it
- Corpus cleanup must be SPECIFIC - exact text to delete/replace
- If no changes needed, return empty objects/arrays
- Today's date: %s

Analyze and generate the JSON now:`,
		corpus, loopsJSON, message,
		now.Format(time.RFC3339), now.Format("2006-01-02"))
}

func checkInPrompt(topic string, loop types.OpenLoop, corpusExcerpt string) string {
	if len(corpusExcerpt) > 500 {
		corpusExcerpt = corpusExcerpt[:500]
	}
	event := "None"
	if loop.NextEventDate != "" {
		event = loop.NextEventDate
	}
	return fmt.Sprintf(`Generate a natural, personalized check-in question for a user.

**Topic:** %s
**Status:** %s
**Weight (urgency):** %d/5
**Description:** %s
**Upcoming Event:** %s

**Context from Knowledge Graph:**
%s

**Your Task:**
Create a brief (1-2 sentence), natural question that:
- Feels like a genuine check-in from a friend
- References specific context if available
- Is appropriately urgent based on weight (5 = "How did X go?", 1 = "Any updates on Y?")
- Doesn't feel robotic or formulaic

Generate the question now (just the question, nothing else):`,
		topic, loop.Status, loop.Weight, loop.Description, event, corpusExcerpt)
}

func batchPrompt(displayName string, questions []string, corpus string) string {
	if displayName == "" {
		displayName = "there"
	}
	if len(corpus) > 800 {
		corpus = corpus[:800]
	}
	var list strings.Builder
	for i, q := range questions {
		fmt.Fprintf(&list, "%d. %s\n", i+1, q)
	}
	return fmt.Sprintf(`You are a personal biographer checking in with a user about multiple topics.

**User's Name:** %s

**Questions to Ask:**
%s
**Context (their knowledge graph):**
%s

**Your Task:**
Combine these questions into ONE natural, friendly message that:
- Feels like a genuine check-in from a friend
- Doesn't feel like a survey or list
- Transitions smoothly between topics
- Keeps it brief (2-4 sentences max)
- Uses their name if appropriate

Generate the natural batched message now (just the message, nothing else):`,
		displayName, list.String(), corpus)
}

func cleanupPrompt(corpus string, directives []string) string {
	var list strings.Builder
	for _, d := range directives {
		fmt.Fprintf(&list, "- %s\n", d)
	}
	return fmt.Sprintf(`You are maintaining a personal knowledge graph. Apply the following cleanup instructions:

**Current Corpus:**
%s

**Cleanup Instructions:**
%s
**Your Task:**
- DELETE outdated or contradictory information
- REPLACE with updated information where specified
- PRESERVE all other content exactly as-is
- Maintain markdown formatting and structure

**Output:**
Return ONLY the cleaned corpus markdown. No explanations, no comments.

Cleaned corpus:`, corpus, list.String())
}

func mergePrompt(corpus, userMessage, botReply string) string {
	conversation := fmt.Sprintf("**New User Message:**\n%s", userMessage)
	if botReply != "" {
		conversation = fmt.Sprintf("**New Conversation:**\nUser: %s\nBot: %s", userMessage, botReply)
	}
	return fmt.Sprintf(`You are a Senior Knowledge Curator for a personal biographer system. Your job is to maintain a HIGH-QUALITY knowledge graph by extracting SIGNAL, not NOISE.

**Current Knowledge Graph:**
%s

%s

**SIGNAL (add to graph):** concrete facts, specific goals, important relationships, significant events, core values, skills, projects with details.
**NOISE (skip):** greetings, transient feelings, vague statements, meta-commentary, redundant information already in the graph.

**Curation Rules:**
1. Be SELECTIVE: quality over quantity
2. Update existing entries if information has changed
3. Keep entries CONCISE - one clear bullet point per fact
4. Maintain markdown structure with section headers
5. Preserve all existing high-quality information
6. CRITICAL: if the message contains no signal, return the graph UNCHANGED

**Output:**
Return ONLY the updated markdown knowledge graph. No explanations.

Updated Knowledge Graph:`, corpus, conversation)
}

func contextBriefPrompt(corpus, topic string) string {
	return fmt.Sprintf(`You are a context extraction specialist. Create a detailed, copy-paste ready context prompt from a user's knowledge graph.

**User's Complete Knowledge Graph:**
%s

**Topic/Subject Requested:**
%s

**Your Task:**
1. Search the knowledge graph for ALL information related to the topic
2. Extract every relevant detail, fact, relationship, and context
3. Produce a comprehensive markdown-formatted context document the user can paste into another AI assistant
4. If the graph contains nothing relevant, say so briefly

Generate the context document now:`, corpus, topic)
}
