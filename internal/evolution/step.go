package evolution

import (
	"fmt"
	"regexp"
	"strings"
)

// Step is one stage of an evolution cycle.
type Step int

const (
	StepEvaluate Step = iota
	StepChoose
	StepImplement
	StepSmokeTest
	StepBibleCheck
	StepCommit
)

// Steps is the fixed cycle order. smoke_test always precedes bible_check.
var Steps = []Step{StepEvaluate, StepChoose, StepImplement, StepSmokeTest, StepBibleCheck, StepCommit}

// String returns the step name used in task payloads and TaskInfo.
func (s Step) String() string {
	switch s {
	case StepEvaluate:
		return "evaluate"
	case StepChoose:
		return "choose"
	case StepImplement:
		return "implement"
	case StepSmokeTest:
		return "smoke_test"
	case StepBibleCheck:
		return "bible_check"
	case StepCommit:
		return "commit"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsGate reports whether the step is a safety gate.
func (s Step) IsGate() bool {
	return s == StepSmokeTest || s == StepBibleCheck
}

func (s Step) next() (Step, bool) {
	if s >= StepCommit {
		return StepEvaluate, false
	}
	return s + 1, true
}

var verdictRe = regexp.MustCompile(`(?mi)^\W*VERDICT:\s*(PASS|FAIL)\b`)

// ParseVerdict extracts the last VERDICT line of a gate answer. A missing
// verdict is a failure.
func ParseVerdict(answer string) bool {
	matches := verdictRe.FindAllStringSubmatch(answer, -1)
	if len(matches) == 0 {
		return false
	}
	return strings.EqualFold(matches[len(matches)-1][1], "PASS")
}

var stepInstructions = map[Step]string{
	StepEvaluate: `Evolution step: EVALUATE.
Review your current code, prompts and recent behaviour. List concrete weaknesses and opportunities.
Do not modify anything in this step.`,
	StepChoose: `Evolution step: CHOOSE.
From the evaluation below, pick exactly one improvement that is small enough to finish in this cycle.
State what you will change, in which files, and how you will know it works.`,
	StepImplement: `Evolution step: IMPLEMENT.
Implement the chosen change in the working tree with the repository tools. Do not commit yet.`,
	StepSmokeTest: `Evolution step: SMOKE_TEST.
Verify the implemented change: build, run the tests, and exercise the changed behaviour.
Finish with a line "VERDICT: PASS" only if everything works, otherwise "VERDICT: FAIL" and why.`,
	StepBibleCheck: `Evolution step: BIBLE_CHECK.
Check the uncommitted change (git_diff) against BIBLE.md, principle by principle.
Finish with a line "VERDICT: PASS" only if no principle is violated, otherwise "VERDICT: FAIL" and why.`,
	StepCommit: `Evolution step: COMMIT.
Both gates passed. Commit and push the change with repo_commit_push and a clear message.
Do not edit files in this step; edit tools are refused so the commit holds exactly the tree the gates checked.
Then, if the change needs a restart to take effect, call request_restart.`,
}

func stepPayload(s Step, cycle int, previous string) string {
	payload := fmt.Sprintf("[evolution cycle %d]\n%s", cycle, stepInstructions[s])
	if previous != "" {
		payload += "\n\nResult of the previous step:\n" + previous
	}
	return payload
}
