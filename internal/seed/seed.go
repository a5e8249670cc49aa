// Package seed creates demo farmers, agronomists and conversations for local
// development and tests.
package seed

import (
	"context"
	"fmt"
	"log"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/repository"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Options configures a seeding run.
type Options struct {
	Farmers     int
	Agronomists int
	// MessagesPerConversation is the history length of each seeded conversation.
	MessagesPerConversation int
	ShouldClean             bool
}

// Result is what a seeding run created.
type Result struct {
	Farmers       []models.User
	Agronomists   []models.User
	Conversations []*models.Conversation
	Messages      int
}

var (
	farmerQuestions = []string{
		"My %s leaves are turning yellow at the edges, what should I check first?",
		"Is it too late in the season to top-dress the %s?",
		"We had two nights of frost, will the %s recover?",
		"Which cover crop would you put in after the %s harvest?",
		"I am seeing small holes in the %s leaves, pests or hail?",
	}
	agronomistAnswers = []string{
		"Send me a photo of the %s from above and one close-up, then we can rule out nutrient deficiency.",
		"For %s I would take a soil sample first, then decide on nitrogen.",
		"Check the %s roots; if they are white and firm it should come back.",
		"Hold off on spraying the %s until we confirm what it is.",
		"That pattern on %s usually points to potassium, but let us confirm with a test.",
	}
)

// Seeder writes demo data through the repositories.
type Seeder struct {
	db       *gorm.DB
	profiles repository.ProfileRepository
	chats    repository.ChatRepository
	faker    *gofakeit.Faker
}

// NewSeeder creates a seeder bound to db. A non-zero randSeed makes the
// generated data reproducible.
func NewSeeder(db *gorm.DB, randSeed int64) *Seeder {
	if randSeed == 0 {
		randSeed = time.Now().UnixNano()
	}
	return &Seeder{
		db:       db,
		profiles: repository.NewProfileRepository(db),
		chats:    repository.NewChatRepository(db),
		faker:    gofakeit.New(randSeed),
	}
}

// ClearAll removes messaging data and profiles.
func (s *Seeder) ClearAll() error {
	for _, table := range []string{"messages", "conversation_participants", "conversations", "notifications", "profiles"} {
		if err := s.db.Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

// Run seeds profiles and one direct conversation per farmer, each with an
// agronomist picked round-robin.
func (s *Seeder) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.ShouldClean {
		if err := s.ClearAll(); err != nil {
			return nil, err
		}
	}
	if opts.Agronomists <= 0 && opts.Farmers > 0 {
		return nil, fmt.Errorf("seeding %d farmers needs at least one agronomist", opts.Farmers)
	}

	res := &Result{}
	var err error
	if res.Farmers, err = s.createProfiles(ctx, models.RoleFarmer, opts.Farmers); err != nil {
		return nil, err
	}
	if res.Agronomists, err = s.createProfiles(ctx, models.RoleAgronomist, opts.Agronomists); err != nil {
		return nil, err
	}

	for i, farmer := range res.Farmers {
		agronomist := res.Agronomists[i%len(res.Agronomists)]
		conv, err := s.chats.CreateConversation(ctx, farmer.ID, []uint{farmer.ID, agronomist.ID})
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		n, err := s.createHistory(ctx, conv.ID, farmer, agronomist, opts.MessagesPerConversation)
		if err != nil {
			return nil, err
		}
		res.Conversations = append(res.Conversations, conv)
		res.Messages += n
	}

	log.Printf("Seeded %d farmers, %d agronomists, %d conversations, %d messages",
		len(res.Farmers), len(res.Agronomists), len(res.Conversations), res.Messages)
	return res, nil
}

func (s *Seeder) createProfiles(ctx context.Context, role models.Role, count int) ([]models.User, error) {
	users := make([]models.User, 0, count)
	for range count {
		u := models.User{
			FirstName: s.faker.FirstName(),
			LastName:  s.faker.LastName(),
			AvatarURL: fmt.Sprintf("https://i.pravatar.cc/150?u=%s", s.faker.UUID()),
			Role:      role,
		}
		if err := s.profiles.Create(ctx, &u); err != nil {
			return nil, fmt.Errorf("create %s: %w", role, err)
		}
		users = append(users, u)
	}
	return users, nil
}

// createHistory writes an alternating question/answer thread ending with an
// unread message for the farmer.
func (s *Seeder) createHistory(ctx context.Context, convID uint, farmer, agronomist models.User, count int) (int, error) {
	crop := s.faker.Vegetable()
	start := time.Now().UTC().Add(-time.Duration(count+1) * time.Hour).Truncate(time.Microsecond)

	created := 0
	for i := range count {
		from, to, templates := farmer, agronomist, farmerQuestions
		if i%2 == 1 {
			from, to, templates = agronomist, farmer, agronomistAnswers
		}
		at := start.Add(time.Duration(i)*time.Hour + time.Duration(s.faker.Number(0, 3000))*time.Second)
		msg := &models.Message{
			ConversationID: convID,
			SenderID:       from.ID,
			ReceiverID:     to.ID,
			Content:        fmt.Sprintf(s.faker.RandomString(templates), crop),
			Type:           models.MessageTypeText,
			ClientID:       uuid.NewString(),
			CreatedAt:      at,
		}
		if i < count-1 {
			readAt := at.Add(10 * time.Minute)
			msg.ReadAt = &readAt
		}
		ok, err := s.chats.CreateMessage(ctx, msg)
		if err != nil {
			return created, fmt.Errorf("create message: %w", err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}
