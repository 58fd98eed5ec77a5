package daemon

import (
	"fmt"
	"runtime/debug"
)

// taskGroup runs a fixed set of goroutines that must all be joined
// before the owning call returns.
type taskGroup struct {
	tasks []*task
}

type task struct {
	name  string
	done  chan struct{}
	err   error
	panic *taskPanic
}

type taskPanic struct {
	task  string
	value any
	stack []byte
}

func (p *taskPanic) String() string {
	return fmt.Sprintf("task %s panicked: %v\n%s", p.task, p.value, p.stack)
}

func (g *taskGroup) Go(name string, fn func() error) {
	t := &task{name: name, done: make(chan struct{})}
	g.tasks = append(g.tasks, t)
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.panic = &taskPanic{task: name, value: r, stack: debug.Stack()}
			}
		}()
		if err := fn(); err != nil {
			t.err = fmt.Errorf("%s: %w", name, err)
		}
	}()
}

// AnyFinished reports whether at least one task has returned.
func (g *taskGroup) AnyFinished() bool {
	for _, t := range g.tasks {
		select {
		case <-t.done:
			return true
		default:
		}
	}
	return false
}

// Join waits for every task in the order they were started. The first
// error is returned. A panic in any task is re-raised here once all
// tasks have been joined.
func (g *taskGroup) Join() error {
	var first error
	var p *taskPanic
	for _, t := range g.tasks {
		<-t.done
		if t.panic != nil && p == nil {
			p = t.panic
		}
		if t.err != nil && first == nil {
			first = t.err
		}
	}
	if p != nil {
		panic(p.String())
	}
	return first
}
