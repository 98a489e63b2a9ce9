package agent

import (
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
)

const (
	cortexSystemPrompt = "You are a GUI Automation Tool. Output only JSON actions."
	visionChatSystem   = "You are the agent's Visual Cortex. Answer the user's question concisely based strictly on what you see in the image. Use [[ACTION: click X, Y]] syntax only if explicitly asked to interact."
	chatSystemPrompt   = "You are a desktop assistant. Be brief. When you need to act on the screen, emit [[ACTION: verb args]] directives."
	perceptionSystem   = "You are a screen perception module. Report only what is visible."
	decisionSystem     = "You are the decision module of a desktop agent. Answer with exactly one JSON action."
	tilePrompt         = "List the interactive elements visible in this part of the screen, one per line, with a short label each."

	perceptionExcerpt = 500
)

// perceptionPrompt asks the vision role for the clickable surface of the
// current frame, seeded with what the window memory already knows.
func perceptionPrompt(width, height int, known WindowKnowledge, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SCREENSHOT: %dx%d pixels of the target window.\n", width, height)
	if task != "" {
		fmt.Fprintf(&b, "CURRENT TASK: %s\n", task)
	}
	b.WriteString("MEMORY FOR THIS WINDOW: buttons=")
	b.WriteString(compactJSON(known.Buttons))
	b.WriteString("\nList every button or interactive element you can see, with its centre as a fraction of the image size.\n")
	b.WriteString(`OUTPUT ONLY JSON: {"buttons":[{"label":"...","x":0.5,"y":0.5}],"hover_targets":[{"label":"...","x":0.5,"y":0.5}]}`)
	return b.String()
}

// decisionInput carries everything the reasoning pass sees.
type decisionInput struct {
	Perception string
	Successes  []SuccessAction
	LastReward float64
	Remaining  time.Duration
	Mood       string
	Strategy   string
	Task       string
	Guidance   string
}

func decisionPrompt(in decisionInput) string {
	seen := in.Perception
	if r := []rune(seen); len(r) > perceptionExcerpt {
		seen = string(r[:perceptionExcerpt])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "PERCEPTION: %s\n", seen)
	fmt.Fprintf(&b, "PREVIOUS SUCCESSFUL BUTTONS: %s\n", compactJSON(in.Successes))
	fmt.Fprintf(&b, "LAST SCORE GAIN: %.3f\n", in.LastReward)
	fmt.Fprintf(&b, "Time left: %ds\n", int(in.Remaining.Round(time.Second)/time.Second))
	fmt.Fprintf(&b, "MOOD: %s\nSTRATEGY: %s\n", in.Mood, in.Strategy)
	if in.Task != "" {
		fmt.Fprintf(&b, "TASK: %s\n", in.Task)
	}
	if in.Guidance != "" {
		fmt.Fprintf(&b, "OPERATOR GUIDANCE: %s\n", in.Guidance)
	}
	b.WriteString("If you cannot proceed without the operator, answer CONSULT: <question>.\n")
	b.WriteString("CHOOSE ONE:\n")
	b.WriteString(`{"type":"move","x":0.5,"y":0.5} to LEARN what an element does` + "\n")
	b.WriteString(`{"type":"click","x":0.5,"y":0.5} to SCORE on an element that worked before`)
	return b.String()
}

func cortexPrompt(order string, width, height int) string {
	return fmt.Sprintf("USER ORDER: %s\nIMAGE SIZE: %dx%d\nOUTPUT: [[ACTION: click X, Y]]", order, width, height)
}

func compactJSON(v interface{}) string {
	out, err := json.MarshalToString(v)
	if err != nil || out == "null" {
		return "[]"
	}
	return out
}
