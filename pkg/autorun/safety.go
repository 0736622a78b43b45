package autorun

// ImpactClassifier judges how destructive a proposed command is. A non-empty
// description means the command must not run without explicit approval.
type ImpactClassifier interface {
	Classify(command string) (impact string, flagged bool)
}

// ImpactClassifierFunc adapts a function to an ImpactClassifier.
type ImpactClassifierFunc func(command string) (string, bool)

func (f ImpactClassifierFunc) Classify(command string) (string, bool) { return f(command) }

// SafetyGate intercepts proposed commands classified as high-impact. Flagged
// commands suspend the loop until the user approves or rejects them; nothing
// the gate flags is ever auto-dispatched.
type SafetyGate struct {
	classifier ImpactClassifier
}

// NewSafetyGate creates a gate delegating to the given classifier. A nil
// classifier flags nothing.
func NewSafetyGate(classifier ImpactClassifier) *SafetyGate {
	return &SafetyGate{classifier: classifier}
}

// Check returns the impact description if the command is high-impact.
func (g *SafetyGate) Check(command string) (string, bool) {
	if g == nil || g.classifier == nil {
		return "", false
	}
	return g.classifier.Classify(command)
}
