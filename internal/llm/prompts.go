package llm

import (
	"fmt"
	"strings"
)

// ClassifierSystemPrompt frames every classification request.
const ClassifierSystemPrompt = `You tag journal entries about personal practice with the activities they describe.
You answer with a single JSON object and nothing else.`

// ClassificationPrompt builds the prompt that tags an entry with weighted
// actions. known lists action labels already in the user's graph so the model
// reuses them instead of inventing near-duplicates.
func ClassificationPrompt(text string, known []string) string {
	vocabulary := "The user has no actions yet; name new ones."
	if len(known) > 0 {
		vocabulary = fmt.Sprintf("Prefer these existing labels when they fit:\n- %s", strings.Join(known, "\n- "))
	}

	return fmt.Sprintf(`Identify the concrete activities in this journal entry.

ENTRY:
%s

%s

Rules:
- Labels are short Title Case nouns or gerunds (e.g. "Debugging", "Running", "Guitar Practice")
- Weight is how central the activity is to the entry, from 0.0 to 1.0
- At most 5 activities
- Skip feelings, plans and anything not actually done
- If nothing was done, return an empty object

Return exactly:
{"actions": {"Label": 0.0}}`, strings.TrimSpace(text), vocabulary)
}
