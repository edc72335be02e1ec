package sagaway

import (
	"fmt"
	"strings"
)

type Visualizer struct{}

func NewVisualizer() *Visualizer {
	return &Visualizer{}
}

// RenderText prints the forward chain with compensation annotations.
func (v *Visualizer) RenderText(def *SagaDefinition) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Saga: %s\n", def.ID)
	b.WriteString("======================================\n\n")

	for i, step := range def.Steps {
		fmt.Fprintf(&b, "%d. %s -> %s", i+1, step.Name, step.ForwardAction)
		if step.Compensatable() {
			fmt.Fprintf(&b, " (undo: %s)", step.CompensateAction)
		}
		fmt.Fprintf(&b, " [timeout %s, attempts %d]\n", step.Timeout, step.Retry.MaxAttempts)
	}

	return b.String()
}

// RenderMermaid emits a Mermaid flowchart: the forward chain left to right,
// compensations as dashed edges back to each step.
func (v *Visualizer) RenderMermaid(def *SagaDefinition) string {
	var b strings.Builder

	b.WriteString("flowchart LR\n")

	for i, step := range def.Steps {
		fmt.Fprintf(&b, "    s%d[%s]\n", i, step.Name)
	}
	for i := 0; i < len(def.Steps)-1; i++ {
		fmt.Fprintf(&b, "    s%d --> s%d\n", i, i+1)
	}
	for i, step := range def.Steps {
		if step.Compensatable() {
			fmt.Fprintf(&b, "    s%d -.-> c%d[%s]\n", i, i, step.CompensateAction)
		}
	}

	return b.String()
}
