package engine

type Policy struct {
	// MaxIterations caps the loop; zero means no cap.
	MaxIterations int `json:"max_iterations"`
	// PlateauThreshold is the minimum gain in percentage points that
	// counts as progress.
	PlateauThreshold float64 `json:"plateau_threshold"`
	PlateauWindow    int     `json:"plateau_window"`

	DiscardOnCompileFailure bool `json:"discard_on_compile_failure"`

	Commit bool   `json:"commit"`
	Push   bool   `json:"push"`
	Remote string `json:"remote"`
	Branch string `json:"branch"`

	// MaxSourceContext bounds the source text attached to each generator request.
	MaxSourceContext int `json:"max_source_context"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxIterations:           10,
		PlateauThreshold:        0.5,
		PlateauWindow:           2,
		DiscardOnCompileFailure: true,
		Commit:                  true,
		Remote:                  "origin",
		MaxSourceContext:        16 * 1024,
	}
}

func (p Policy) window() int {
	if p.PlateauWindow < 1 {
		return 1
	}
	return p.PlateauWindow
}
