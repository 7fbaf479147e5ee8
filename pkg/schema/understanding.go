package schema

// TaskUnderstanding is the structured report produced by the understanding
// phase. Open questions route the run to awaiting_feedback before planning.
type TaskUnderstanding struct {
	AnalysisGoal    string            `json:"analysis_goal"`
	BusinessContext string            `json:"business_context,omitempty"`
	TimeRange       *TimeRange        `json:"time_range,omitempty"`
	DataScope       DataScope         `json:"data_scope"`
	Constraints     map[string]string `json:"constraints,omitempty"`
	Deliverables    Deliverables      `json:"expected_deliverables"`
	OpenQuestions   []string          `json:"open_questions,omitempty"`
	Assumptions     []string          `json:"assumptions,omitempty"`
}

// TimeRange bounds the analysis window.
type TimeRange struct {
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Grain    string `json:"grain,omitempty"`
}

// DataScope names the data the analysis may touch.
type DataScope struct {
	Dialect string   `json:"dialect,omitempty"`
	Tables  []string `json:"tables,omitempty"`
	Columns []string `json:"columns,omitempty"`
	Filters []string `json:"filters,omitempty"`
	Metrics []string `json:"metrics,omitempty"`
}

// Deliverables describes what the report phase should produce.
type Deliverables struct {
	Charts         []string `json:"charts,omitempty"`
	Tables         []string `json:"tables,omitempty"`
	ReportSections []string `json:"report_sections,omitempty"`
	Format         []string `json:"format,omitempty"`
}
