package pipeline

// Stage is a step in the request lifecycle.
type Stage int

// Lifecycle stages. The numeric values are identifiers only; execution order
// comes from the lifecycle list.
const (
	StageReceived Stage = iota
	StageSanitized
	StageAuthenticated
	StageIdentityResolved
	StageTargetConfigBound
	StageHeadersContributed
	StageProxied
	StageRejected
)

// lifecycle is the total order of non-terminal stages for one request.
var lifecycle = []Stage{
	StageReceived,
	StageSanitized,
	StageAuthenticated,
	StageIdentityResolved,
	StageTargetConfigBound,
	StageHeadersContributed,
	StageProxied,
}

var stageNames = map[Stage]string{
	StageReceived:           "RECEIVED",
	StageSanitized:          "SANITIZED",
	StageAuthenticated:      "AUTHENTICATED",
	StageIdentityResolved:   "IDENTITY_RESOLVED",
	StageTargetConfigBound:  "TARGET_CONFIG_BOUND",
	StageHeadersContributed: "HEADERS_CONTRIBUTED",
	StageProxied:            "PROXIED",
	StageRejected:           "REJECTED",
}

// String returns the stage name.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Lifecycle returns the ordered non-terminal stages.
func Lifecycle() []Stage {
	out := make([]Stage, len(lifecycle))
	copy(out, lifecycle)
	return out
}

// position returns the index of s in the lifecycle, or -1.
func (s Stage) position() int {
	for i, st := range lifecycle {
		if st == s {
			return i
		}
	}
	return -1
}

// filterable reports whether a filter may occupy s. RECEIVED and PROXIED
// belong to the coordinator and REJECTED is terminal.
func (s Stage) filterable() bool {
	return s.position() > 0 && s != StageProxied
}
