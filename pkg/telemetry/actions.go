package telemetry

type ActionCategory int

const (
	Fuzzing ActionCategory = iota
	Monitoring
	CrashTriage
	Reporting
)

func (a ActionCategory) String() string {
	switch a {
	case Fuzzing:
		return "fuzzing"
	case Monitoring:
		return "monitoring"
	case CrashTriage:
		return "crash_triage"
	case Reporting:
		return "reporting"
	default:
		return "unknown"
	}
}
