// Package main defines the datarun CLI structure using kong.
package main

// CLI defines the command-line interface.
type CLI struct {
	Submit   SubmitCmd   `cmd:"" help:"Submit an analysis task"`
	Resume   ResumeCmd   `cmd:"" help:"Resume a run from its latest checkpoint"`
	Status   StatusCmd   `cmd:"" help:"Show the state of a run"`
	Report   ReportCmd   `cmd:"" help:"Print the rendered report of a run"`
	List     ListCmd     `cmd:"" help:"List runs"`
	Confirm  ConfirmCmd  `cmd:"" help:"Approve a pending plan"`
	Reject   RejectCmd   `cmd:"" help:"Reject a pending plan with feedback"`
	Feedback FeedbackCmd `cmd:"" help:"Answer a run's open questions"`
	Cancel   CancelCmd   `cmd:"" help:"Cancel a run"`
	Schedule ScheduleCmd `cmd:"" help:"Manage recurring analyses"`
	Serve    ServeCmd    `cmd:"" help:"Run the recurring-task scheduler loop"`
}

// SubmitCmd submits a new analysis task and drives it as far as it can go.
type SubmitCmd struct {
	Task string `arg:"" help:"Analysis task in natural language"`
}

// ResumeCmd continues a run after feedback, a confirmation decision, or a
// crash.
type ResumeCmd struct {
	RunID string `arg:"" help:"Run identifier"`
}

// StatusCmd shows a run's current state, open questions, and pending plan.
type StatusCmd struct {
	RunID   string `arg:"" help:"Run identifier"`
	History bool   `help:"Also list checkpoint history"`
}

// ReportCmd prints the rendered markdown report of a completed run.
type ReportCmd struct {
	RunID string `arg:"" help:"Run identifier"`
}

// ListCmd lists persisted runs, newest first.
type ListCmd struct {
	State string `help:"Filter by run state"`
	Limit int    `default:"20" help:"Maximum rows"`
}

// ConfirmCmd approves the pending plan and continues the run.
type ConfirmCmd struct {
	RunID string `arg:"" help:"Run identifier"`
}

// RejectCmd rejects the pending plan; feedback steers the next planning
// round.
type RejectCmd struct {
	RunID    string `arg:"" help:"Run identifier"`
	Feedback string `arg:"" optional:"" help:"Why the plan was rejected"`
}

// FeedbackCmd answers a run's open questions and continues the run.
type FeedbackCmd struct {
	RunID    string `arg:"" help:"Run identifier"`
	Feedback string `arg:"" help:"Answers to the open questions"`
}

// CancelCmd terminates a non-terminal run.
type CancelCmd struct {
	RunID string `arg:"" help:"Run identifier"`
}

// ScheduleCmd groups the recurring-task subcommands.
type ScheduleCmd struct {
	Add  ScheduleAddCmd  `cmd:"" help:"Add or update a recurring analysis"`
	List ScheduleListCmd `cmd:"" help:"List recurring analyses"`
	Rm   ScheduleRmCmd   `cmd:"" help:"Remove a recurring analysis"`
}

// ScheduleAddCmd adds or updates a recurring analysis.
type ScheduleAddCmd struct {
	Name string `arg:"" help:"Task name (also its identifier)"`
	Cron string `arg:"" help:"Cron expression (minute hour dom month dow)"`
	Task string `arg:"" help:"Analysis task in natural language"`
}

// ScheduleListCmd lists recurring analyses with their next fire times.
type ScheduleListCmd struct{}

// ScheduleRmCmd removes a recurring analysis.
type ScheduleRmCmd struct {
	Name string `arg:"" help:"Task name"`
}

// ServeCmd runs the scheduler loop until interrupted.
type ServeCmd struct{}
