// Package seeder creates fake users and tasks through the service APIs.
package seeder

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/taskhub/cli/internal/client"
)

const (
	maxUsernameLength = 64
	maxTitleLength    = 200
)

// Generator produces request bodies with fake data.
type Generator struct {
	faker *gofakeit.Faker
}

// NewGenerator returns a Generator. A zero seed picks a random one.
func NewGenerator(seed int64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

// User returns a valid user registration. Usernames carry a numeric suffix
// so repeated runs rarely collide.
func (g *Generator) User() client.CreateUserRequest {
	username := fmt.Sprintf("%s%d", strings.ToLower(g.faker.Username()), g.faker.Number(1000, 9999))
	username = truncate(username, maxUsernameLength)

	return client.CreateUserRequest{
		Username: username,
		Email:    username + "@" + g.faker.DomainName(),
		Password: g.faker.Password(true, true, true, false, false, 16),
	}
}

// Task returns a valid task for userID.
func (g *Generator) Task(userID string) client.CreateTaskRequest {
	return client.CreateTaskRequest{
		Title:       truncate(g.faker.HackerPhrase(), maxTitleLength),
		Description: g.faker.Sentence(12),
		UserID:      userID,
	}
}

// Pick returns a random element of ids.
func (g *Generator) Pick(ids []string) string {
	return ids[g.faker.IntRange(0, len(ids)-1)]
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
