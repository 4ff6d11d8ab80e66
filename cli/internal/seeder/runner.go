package seeder

import (
	"context"
	"errors"
	"fmt"

	"github.com/telhawk-systems/taskhub/cli/internal/client"
)

// ErrNoUsers is returned when tasks are requested but no user could be
// created to own them.
var ErrNoUsers = errors.New("tasks need at least one user")

// UserCreator creates users.
type UserCreator interface {
	CreateUser(ctx context.Context, req client.CreateUserRequest) (*client.User, error)
}

// TaskCreator creates tasks.
type TaskCreator interface {
	CreateTask(ctx context.Context, req client.CreateTaskRequest) (*client.Task, error)
}

// Result summarises a seeding run.
type Result struct {
	Users  []string `json:"users"`
	Tasks  []string `json:"tasks"`
	Failed int      `json:"failed"`
}

// Runner handles the seeding execution
type Runner struct {
	Users     UserCreator
	Tasks     TaskCreator
	Generator *Generator

	// OnError is called for each failed request; the run continues.
	OnError func(what string, err error)
}

// Run creates users, then tasks assigned to randomly chosen new users.
func (r *Runner) Run(ctx context.Context, users, tasks int) (*Result, error) {
	if users < 0 || tasks < 0 {
		return nil, fmt.Errorf("counts must not be negative")
	}

	res := &Result{}
	for i := 0; i < users; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		user, err := r.Users.CreateUser(ctx, r.Generator.User())
		if err != nil {
			r.fail(res, "user", err)
			continue
		}
		res.Users = append(res.Users, user.ID)
	}

	if tasks > 0 && len(res.Users) == 0 {
		return res, ErrNoUsers
	}

	for i := 0; i < tasks; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		task, err := r.Tasks.CreateTask(ctx, r.Generator.Task(r.Generator.Pick(res.Users)))
		if err != nil {
			r.fail(res, "task", err)
			continue
		}
		res.Tasks = append(res.Tasks, task.ID)
	}
	return res, nil
}

func (r *Runner) fail(res *Result, what string, err error) {
	res.Failed++
	if r.OnError != nil {
		r.OnError(what, err)
	}
}
