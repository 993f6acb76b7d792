// Package responder turns aggregated customer text into replies and decides on
// follow-ups, backed by OpenAI or Anthropic chat models.
package responder

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// ErrUnclearAnswer is returned when the model does not answer YES or NO.
var ErrUnclearAnswer = errors.New("model answer is neither YES nor NO")

// Responder is the AI collaborator of the engine.
type Responder interface {
	Respond(ctx context.Context, key models.ConversationKey, text, contextName string) (string, error)
	ClassifyFollowUpEligibility(ctx context.Context, key models.ConversationKey, turns []models.Turn) (bool, error)
	GenerateFollowUpMessages(ctx context.Context, key models.ConversationKey, turns []models.Turn, count int) ([]string, error)
}

// completer sends one system + user prompt pair to a model.
type completer interface {
	complete(ctx context.Context, system, user string) (string, error)
}

// prompter implements Responder on top of a completer.
type prompter struct {
	c completer
}

// Respond answers the aggregated text of one turn.
func (p prompter) Respond(ctx context.Context, key models.ConversationKey, text, contextName string) (string, error) {
	out, err := p.c.complete(ctx, replySystemPrompt(contextName), text)
	if err != nil {
		return "", Classify(err)
	}
	return strings.TrimSpace(out), nil
}

// ClassifyFollowUpEligibility asks whether the conversation was left open.
func (p prompter) ClassifyFollowUpEligibility(ctx context.Context, key models.ConversationKey, turns []models.Turn) (bool, error) {
	if len(turns) == 0 {
		return false, nil
	}
	out, err := p.c.complete(ctx, classifySystemPrompt, formatTurns(turns))
	if err != nil {
		return false, Classify(err)
	}
	return parseYesNo(out)
}

// GenerateFollowUpMessages writes up to count follow-up messages.
func (p prompter) GenerateFollowUpMessages(ctx context.Context, key models.ConversationKey, turns []models.Turn, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	out, err := p.c.complete(ctx, generateSystemPrompt(count), formatTurns(turns))
	if err != nil {
		return nil, Classify(err)
	}
	msgs := parseLines(out)
	if len(msgs) > count {
		msgs = msgs[:count]
	}
	if len(msgs) == 0 {
		return nil, models.ErrNoChoicesReturned
	}
	return msgs, nil
}

func replySystemPrompt(contextName string) string {
	name := strings.TrimSpace(contextName)
	if name == "" {
		name = "this business"
	}
	return fmt.Sprintf("You are the WhatsApp assistant of %s. Reply in the customer's language, "+
		"in a short and friendly message without markdown. If you do not know something, say a person will follow up.", name)
}

const classifySystemPrompt = "You review a chat between a customer and an assistant. " +
	"Answer YES if the customer stopped replying while the conversation still had an open question, " +
	"a pending decision or an unfinished purchase, so a gentle follow-up would help. " +
	"Answer NO if the conversation ended naturally, the customer said goodbye or asked not to be contacted. " +
	"Answer with exactly one word: YES or NO."

func generateSystemPrompt(count int) string {
	return fmt.Sprintf("You write follow-up messages for a customer who stopped replying to the chat below. "+
		"Write %d short messages in the customer's language, each one a later and gentler reminder than the previous. "+
		"Return one message per line, without numbering, quotes or extra text.", count)
}

func formatTurns(turns []models.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		role := "Customer"
		if t.Role == models.TurnRoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, strings.TrimSpace(t.Text))
	}
	return b.String()
}

func parseYesNo(out string) (bool, error) {
	answer := strings.ToUpper(strings.Trim(strings.TrimSpace(out), ".!\"'"))
	switch {
	case strings.HasPrefix(answer, "YES"), strings.HasPrefix(answer, "SIM"):
		return true, nil
	case strings.HasPrefix(answer, "NO"), strings.HasPrefix(answer, "NÃO"), strings.HasPrefix(answer, "NAO"):
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnclearAnswer, out)
}

var listMarker = regexp.MustCompile(`^(\d+[.)]|[-*•])\s+`)

// parseLines splits model output into messages, dropping list markers.
func parseLines(out string) []string {
	var msgs []string
	for _, line := range strings.Split(out, "\n") {
		line = listMarker.ReplaceAllString(strings.TrimSpace(line), "")
		line = strings.TrimSpace(strings.Trim(line, "\""))
		if line != "" {
			msgs = append(msgs, line)
		}
	}
	return msgs
}
