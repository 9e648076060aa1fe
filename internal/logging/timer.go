package logging

import "time"

// SlowThreshold is the duration above which StartTimer logs at warn level.
var SlowThreshold = 5 * time.Second

// Timer measures one operation within a category.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer starts timing op.
func StartTimer(category Category, op string) *Timer {
	return &Timer{category: category, op: op, start: time.Now()}
}

// Stop logs the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > SlowThreshold {
		Get(t.category).Warn("slow operation: %s took %v", t.op, elapsed)
	} else {
		Get(t.category).Debug("%s took %v", t.op, elapsed)
	}
	return elapsed
}
