package preprocess

import (
	"fmt"
)

// caseResult carries the outcome of one preprocessing task back to the
// collector.
type caseResult struct {
	id  string
	err error
}

// runPool fans the cases out over a bounded worker pool. Tasks share no
// mutable state and communicate only through the filesystem, so there is no
// ordering between them; a failing or panicking case is captured in its own
// result and never takes the pool down. Returns the number of failed cases.
func (p *Preprocessor) runPool(ids []string) int {
	jobs := make(chan string)
	results := make(chan caseResult)

	for w := 0; w < p.workers; w++ {
		go func() {
			for id := range jobs {
				results <- caseResult{id: id, err: p.safePreprocess(id)}
			}
		}()
	}
	go func() {
		for _, id := range ids {
			jobs <- id
		}
		close(jobs)
	}()

	failed := 0
	for range ids {
		res := <-results
		if res.err != nil {
			failed++
			p.log.WithField("case", res.id).WithError(res.err).Error("case failed, skipping")
		}
	}
	return failed
}

// safePreprocess isolates one case: a panic inside the pipeline surfaces as
// that case's error instead of aborting sibling tasks.
func (p *Preprocessor) safePreprocess(id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while preprocessing: %v", r)
		}
	}()
	return p.preprocessTrainCase(id)
}
