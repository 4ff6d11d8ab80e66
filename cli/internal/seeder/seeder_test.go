package seeder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub/cli/internal/client"
)

type fakeAPI struct {
	users     []client.CreateUserRequest
	tasks     []client.CreateTaskRequest
	failUsers int
}

func (f *fakeAPI) CreateUser(_ context.Context, req client.CreateUserRequest) (*client.User, error) {
	if f.failUsers > 0 {
		f.failUsers--
		return nil, &client.APIError{StatusCode: 409, Message: "username taken"}
	}
	f.users = append(f.users, req)
	return &client.User{ID: fmt.Sprintf("user-%d", len(f.users)), Username: req.Username}, nil
}

func (f *fakeAPI) CreateTask(_ context.Context, req client.CreateTaskRequest) (*client.Task, error) {
	f.tasks = append(f.tasks, req)
	return &client.Task{ID: fmt.Sprintf("task-%d", len(f.tasks)), UserID: req.UserID}, nil
}

func TestGenerator_User(t *testing.T) {
	g := NewGenerator(42)
	for i := 0; i < 50; i++ {
		u := g.User()
		n := utf8.RuneCountInString(u.Username)
		assert.GreaterOrEqual(t, n, 3)
		assert.LessOrEqual(t, n, maxUsernameLength)
		assert.True(t, strings.HasPrefix(u.Email, u.Username+"@"))
		assert.GreaterOrEqual(t, len(u.Password), 8)
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	assert.Equal(t, NewGenerator(7).User(), NewGenerator(7).User())
}

func TestGenerator_Task(t *testing.T) {
	task := NewGenerator(42).Task("user-1")
	assert.NotEmpty(t, task.Title)
	assert.LessOrEqual(t, utf8.RuneCountInString(task.Title), maxTitleLength)
	assert.Equal(t, "user-1", task.UserID)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "żó", truncate("żółw", 2))
}

func TestRunner_Run(t *testing.T) {
	api := &fakeAPI{}
	r := &Runner{Users: api, Tasks: api, Generator: NewGenerator(1)}

	res, err := r.Run(context.Background(), 3, 5)
	require.NoError(t, err)
	assert.Len(t, res.Users, 3)
	assert.Len(t, res.Tasks, 5)
	assert.Zero(t, res.Failed)
	for _, task := range api.tasks {
		assert.Contains(t, res.Users, task.UserID)
	}
}

func TestRunner_ContinuesAfterFailure(t *testing.T) {
	api := &fakeAPI{failUsers: 1}
	var failures []string
	r := &Runner{Users: api, Tasks: api, Generator: NewGenerator(1), OnError: func(what string, err error) {
		failures = append(failures, what+": "+err.Error())
	}}

	res, err := r.Run(context.Background(), 3, 1)
	require.NoError(t, err)
	assert.Len(t, res.Users, 2)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "username taken")
}

func TestRunner_TasksWithoutUsers(t *testing.T) {
	api := &fakeAPI{}
	r := &Runner{Users: api, Tasks: api, Generator: NewGenerator(1)}

	_, err := r.Run(context.Background(), 0, 2)
	assert.True(t, errors.Is(err, ErrNoUsers))
	assert.Empty(t, api.tasks)
}

func TestRunner_NegativeCounts(t *testing.T) {
	r := &Runner{Generator: NewGenerator(1)}
	_, err := r.Run(context.Background(), -1, 0)
	assert.Error(t, err)
}

func TestRunner_Cancelled(t *testing.T) {
	api := &fakeAPI{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Runner{Users: api, Tasks: api, Generator: NewGenerator(1)}
	_, err := r.Run(ctx, 2, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, api.users)
}
