package version

const Value = "0.9.0"

func UserAgent() string {
	return "auditgh/" + Value + " (repository security audit)"
}
