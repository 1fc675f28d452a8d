package scheduler

import (
	"sync"

	"github.com/goliatone/go-jobguard"
)

// emptyDataLimit is the number of consecutive empty searches after which the
// job is closed.
const emptyDataLimit = 10

// ProblemTracker reports extraction and analysis problems to an audit log
// once per distinct problem, and reports recovery when a run succeeds again.
type ProblemTracker struct {
	mu     sync.Mutex
	audit  jobguard.Logger
	jobID  string
	empty  int
	has    bool
	had    bool
	latest string
}

func NewProblemTracker(jobID string, audit jobguard.Logger) *ProblemTracker {
	return &ProblemTracker{jobID: jobID, audit: jobguard.NormalizeLogger(audit)}
}

func (p *ProblemTracker) ReportExtractionProblem(problem string) {
	p.report("extracting data", problem)
}

func (p *ProblemTracker) ReportAnalysisProblem(problem string) {
	p.report("submitting data for analysis", problem)
}

func (p *ProblemTracker) report(during, problem string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.has = true
	if !p.had || p.latest != problem {
		p.audit.Error("scheduler for job %s is encountering errors %s: %s", p.jobID, during, problem)
	}
	p.latest = problem
}

// HasProblems reports whether a problem was reported since the last
// FinishReport.
func (p *ProblemTracker) HasProblems() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.has
}

// UpdateEmptyDataCount records whether a search returned data. It returns
// true exactly when the number of consecutive empty searches reaches the
// limit.
func (p *ProblemTracker) UpdateEmptyDataCount(empty bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !empty {
		if p.empty >= emptyDataLimit {
			p.audit.Info("scheduler for job %s has started retrieving data again", p.jobID)
		}
		p.empty = 0
		return false
	}
	if p.empty >= emptyDataLimit {
		return false
	}
	p.empty++
	if p.empty == emptyDataLimit {
		p.audit.Warn("scheduler for job %s has been retrieving no data for a while", p.jobID)
		return true
	}
	return false
}

// FinishReport closes the current run.
func (p *ProblemTracker) FinishReport() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.has && p.had {
		p.audit.Info("scheduler for job %s has recovered data extraction and analysis", p.jobID)
		p.latest = ""
	}
	p.had = p.has
	p.has = false
}
