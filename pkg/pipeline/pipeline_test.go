package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/policykit/policykit/pkg/domain"
	"github.com/policykit/policykit/pkg/store"
)

// Stage keys used by the fake gateway to route replies. Routing keys off
// distinctive wording in each stage's instructions.
const (
	stageScreen      = "screen"
	stageVerify      = "verify"
	stageSelect      = "select"
	stageInvestigate = "investigate"
)

func stageOf(instructions string) string {
	switch {
	case strings.Contains(instructions, "security analyst"):
		return stageScreen
	case strings.Contains(instructions, "job posting verification expert"):
		return stageVerify
	case strings.Contains(instructions, "which policy categories"):
		return stageSelect
	case strings.Contains(instructions, "specializing in"):
		return stageInvestigate
	default:
		return "unknown"
	}
}

// fakeGateway routes Classify calls to per-stage handlers and counts them.
type fakeGateway struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(ctx context.Context, instructions, input string, out any) error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		calls:    make(map[string]int),
		handlers: make(map[string]func(ctx context.Context, instructions, input string, out any) error),
	}
}

func (g *fakeGateway) on(stage string, handler func(ctx context.Context, instructions, input string, out any) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[stage] = handler
}

// reply registers a handler that always decodes the given value into out.
func (g *fakeGateway) reply(stage string, value any) {
	g.on(stage, func(_ context.Context, _, _ string, out any) error {
		return decodeInto(out, value)
	})
}

func (g *fakeGateway) Classify(ctx context.Context, instructions, input string, out any) error {
	stage := stageOf(instructions)

	g.mu.Lock()
	g.calls[stage]++
	handler := g.handlers[stage]
	g.mu.Unlock()

	if handler == nil {
		return fmt.Errorf("no handler registered for stage %q", stage)
	}
	return handler(ctx, instructions, input, out)
}

func (g *fakeGateway) callCount(stage string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[stage]
}

func (g *fakeGateway) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.calls {
		total += n
	}
	return total
}

func decodeInto(out, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// seqEmbedder assigns each distinct text its own orthogonal-ish vector, so
// identical texts hit the cache and distinct texts miss it.
type seqEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float64
	next    float64
	calls   int
}

func newSeqEmbedder() *seqEmbedder {
	return &seqEmbedder{vectors: make(map[string][]float64)}
}

func (e *seqEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	e.next += 10
	v := []float64{e.next, 1}
	e.vectors[text] = v
	return v, nil
}

func seedTaxonomy() *store.MemoryStore {
	st := store.NewMemoryStore()
	st.Replace(
		[]domain.PolicyCategory{
			{ID: "cat-discrimination", Name: "Discrimination", Description: "Discriminatory requirements or preferences"},
			{ID: "cat-compensation", Name: "Compensation", Description: "Pay transparency and fairness"},
		},
		[]domain.PolicyRule{
			{ID: "rule-gender", CategoryID: "cat-discrimination", Title: "No Gender Discrimination", Description: "Postings must not state a gender preference"},
			{ID: "rule-age", CategoryID: "cat-discrimination", Title: "No Age Discrimination", Description: "Postings must not impose age limits"},
			{ID: "rule-salary", CategoryID: "cat-compensation", Title: "Salary Transparency", Description: "Postings must state a salary range"},
		},
	)
	return st
}
