package tools

// Options selects the optional runners and their inputs for a run.
type Options struct {
	DockerImage  string   // enables the image-targeted Syft/Grype variants
	SyftFormat   string
	VEXFiles     []string
	TaintRuleset string // enables the Semgrep taint pass
}

// Registry returns the fixed tool sequence for every job. Order does not
// depend on prior results; optional tools appear only when configured.
func Registry(opts Options) []Runner {
	runners := []Runner{
		Gitleaks{},
		Safety{},
		PipAudit{},
		NPMAudit{},
		Govulncheck{},
		BundleAudit{},
		DependencyCheck{},
		Semgrep{},
	}
	if opts.TaintRuleset != "" {
		runners = append(runners, SemgrepTaint{Ruleset: opts.TaintRuleset})
	}
	runners = append(runners, Syft{Format: opts.SyftFormat})
	if opts.DockerImage != "" {
		runners = append(runners, Syft{Image: opts.DockerImage, Format: opts.SyftFormat})
	}
	runners = append(runners, Grype{VEXFiles: opts.VEXFiles})
	if opts.DockerImage != "" {
		runners = append(runners, Grype{Image: opts.DockerImage, VEXFiles: opts.VEXFiles})
	}
	runners = append(runners,
		Checkov{},
		Bandit{},
		TrivyFS{},
	)
	return runners
}
