package workflow

import "time"

// Step identifies one orchestrator stage. The set is closed; switches over
// Step should be exhaustive.
type Step int

const (
	StepFetch Step = iota
	StepClassify
	StepFAQ
	StepScore
	StepDraft
	StepArchive
	StepDigest
	StepNotify
)

func (s Step) String() string {
	switch s {
	case StepFetch:
		return "fetch"
	case StepClassify:
		return "classify"
	case StepFAQ:
		return "faq"
	case StepScore:
		return "score"
	case StepDraft:
		return "draft"
	case StepArchive:
		return "archive"
	case StepDigest:
		return "digest"
	case StepNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// warnThreshold returns the per-step duration above which a warning is
// recorded (for a reference load of ~100 messages). Zero disables the
// check. Exceeding a threshold never fails the run.
func (s Step) warnThreshold() time.Duration {
	switch s {
	case StepFetch:
		return 30 * time.Second
	case StepClassify:
		return 60 * time.Second
	case StepFAQ:
		return 45 * time.Second
	case StepDraft:
		return 90 * time.Second
	case StepScore, StepDigest:
		return 15 * time.Second
	case StepArchive, StepNotify:
		return 0
	default:
		return 0
	}
}
