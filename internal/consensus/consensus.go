// Package consensus runs the fleet vote on whether human intervention is
// truly required. Every agent is asked in a fixed order; the decision is a
// simple yes-count threshold, and the full transcript is persisted for
// audit.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openclaw/fleetgate/internal/agents"
	"github.com/openclaw/fleetgate/internal/state"
)

// voteTimeout is the per-agent subprocess budget.
const voteTimeout = 240 * time.Second

// promptScript is the shared per-agent prompt tool.
const promptScript = "./scripts/prompt-one-agent.sh"

// Caps applied to persisted vote material.
const (
	maxRawChars     = 1200
	maxReasonChars  = 300
	maxExcerptChars = 900
)

// objectRe extracts the first {...} span from a mixed reply. Greedy on
// purpose: it spans from the first brace to the last, which survives nested
// objects.
var objectRe = regexp.MustCompile(`(?s)\{[\s\S]*\}`)

// ToolRunner executes an external tool and returns exit code plus combined
// output.
type ToolRunner interface {
	Run(ctx context.Context, args []string, timeout time.Duration) (int, string)
}

// Vote is one agent's ballot.
type Vote struct {
	Agent         string `json:"agent"`
	OK            bool   `json:"ok"`
	Raw           string `json:"raw"`
	Decision      string `json:"decision"`
	RequiresHuman bool   `json:"requires_human"`
	Confidence    int    `json:"confidence"`
	Reason        string `json:"reason"`
	Yes           bool   `json:"yes,omitempty"`
}

// Result is the persisted consensus artifact. Artifact is the on-disk path,
// filled in after the write and not itself serialized.
type Result struct {
	RunID        string   `json:"run_id"`
	CreatedAt    string   `json:"created_at"`
	ReasonDetail string   `json:"reason_detail"`
	CommandText  string   `json:"command_text"`
	ConsensusMin int      `json:"consensus_min"`
	YesCount     int      `json:"yes_count"`
	Passed       bool     `json:"passed"`
	ErrorAgents  []string `json:"error_agents"`
	Votes        []Vote   `json:"votes"`

	Artifact string `json:"-"`
}

// VoterConfig holds the voter dependencies.
type VoterConfig struct {
	Runner      ToolRunner
	Registry    *agents.Registry
	ArtifactDir string
	Min         int
	Logger      zerolog.Logger
}

// Voter broadcasts intervention votes to the fleet.
type Voter struct {
	run ToolRunner
	reg *agents.Registry
	dir string
	min int
	log zerolog.Logger
	now func() time.Time
}

// NewVoter validates the dependencies and returns a Voter.
func NewVoter(cfg VoterConfig) (*Voter, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if cfg.ArtifactDir == "" {
		return nil, fmt.Errorf("artifact dir is required")
	}
	if cfg.Min < 1 || cfg.Min > len(agents.Names) {
		return nil, fmt.Errorf("consensus min %d out of range [1, %d]", cfg.Min, len(agents.Names))
	}
	return &Voter{
		run: cfg.Runner,
		reg: cfg.Registry,
		dir: cfg.ArtifactDir,
		min: cfg.Min,
		log: cfg.Logger,
		now: time.Now,
	}, nil
}

// Min returns the configured yes-vote threshold.
func (v *Voter) Min() int { return v.min }

// Run asks every fleet agent whether human intervention is required and
// decides by threshold. The transcript is persisted before returning; an
// artifact write failure is logged but does not void the vote.
func (v *Voter) Run(ctx context.Context, reasonDetail, commandText, sourceOutput string) (bool, *Result) {
	now := v.now()
	result := &Result{
		RunID:        fmt.Sprintf("consensus_%d_%s", now.Unix(), randomHex8()),
		CreatedAt:    state.Timestamp(now),
		ReasonDetail: reasonDetail,
		CommandText:  commandText,
		ConsensusMin: v.min,
		ErrorAgents:  []string{},
	}

	excerpt := sourceOutput
	if len(excerpt) > maxExcerptChars {
		excerpt = excerpt[:maxExcerptChars]
	}

	for _, agent := range agents.Names {
		service, _ := v.reg.Service(agent)
		prompt := v.buildPrompt(agent, reasonDetail, commandText, excerpt)

		code, out := v.run.Run(ctx, []string{promptScript, service, prompt}, voteTimeout)

		vote := Vote{Agent: agent, OK: code == 0, Raw: capString(out, maxRawChars)}
		parsed := extractJSONObject(out)
		if code != 0 || parsed == nil {
			vote.Decision = "error"
			vote.Reason = "vote_failed"
			result.ErrorAgents = append(result.ErrorAgents, agent)
			result.Votes = append(result.Votes, vote)
			continue
		}

		decision := strings.ToLower(strings.TrimSpace(stringField(parsed, "decision")))
		requiresHuman := boolField(parsed, "requires_human")
		yes := requiresHuman || decision == "approve" || decision == "yes" || decision == "request_human"

		vote.Decision = decision
		if vote.Decision == "" {
			vote.Decision = "unknown"
		}
		vote.RequiresHuman = requiresHuman
		vote.Confidence = intField(parsed, "confidence")
		vote.Reason = capString(strings.TrimSpace(stringField(parsed, "reason")), maxReasonChars)
		vote.Yes = yes
		if yes {
			result.YesCount++
		}
		result.Votes = append(result.Votes, vote)
	}

	result.Passed = result.YesCount >= v.min

	path := filepath.Join(v.dir, result.RunID+".json")
	if err := state.WriteDocument(path, result); err != nil {
		v.log.Error().Err(err).Str("run_id", result.RunID).Msg("failed to persist consensus artifact")
	} else {
		result.Artifact = path
	}
	return result.Passed, result
}

// buildPrompt renders the structured vote prompt for one agent.
func (v *Voter) buildPrompt(agent, reasonDetail, commandText, excerpt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are '%s' participating in a human-intervention vote.\n", agent)
	fmt.Fprintf(&b, "Leader agent: %s\n", v.reg.Leader())
	b.WriteString("Goal: decide whether human intervention is truly required NOW.\n")
	b.WriteString("Respond with ONLY JSON:\n")
	b.WriteString("{\n")
	b.WriteString("  \"agent\":\"<agent>\",\n")
	b.WriteString("  \"decision\":\"approve|reject\",\n")
	b.WriteString("  \"requires_human\": true|false,\n")
	b.WriteString("  \"confidence\": 0-100,\n")
	b.WriteString("  \"reason\":\"one sentence\"\n")
	b.WriteString("}\n\n")
	fmt.Fprintf(&b, "Trigger detail: %s\n", reasonDetail)
	fmt.Fprintf(&b, "Original command: %s\n", commandText)
	fmt.Fprintf(&b, "Observed output excerpt:\n%s\n", excerpt)
	return b.String()
}

// extractJSONObject accepts the whole reply as JSON, or the first {...}
// span inside it. Returns nil when no well-formed object is found.
func extractJSONObject(text string) map[string]any {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj
	}

	snippet := objectRe.FindString(raw)
	if snippet == "" {
		return nil
	}
	obj = nil
	if err := json.Unmarshal([]byte(snippet), &obj); err != nil {
		return nil
	}
	return obj
}

func stringField(obj map[string]any, key string) string {
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}

func boolField(obj map[string]any, key string) bool {
	if b, ok := obj[key].(bool); ok {
		return b
	}
	return false
}

// intField tolerates the number shapes LLMs actually emit: JSON numbers and
// quoted digits.
func intField(obj map[string]any, key string) int {
	switch v := obj[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

func capString(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func randomHex8() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:4])
}
