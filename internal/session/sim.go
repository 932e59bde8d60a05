package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DefaultSimCode is the verification code the simulator accepts.
const DefaultSimCode = "12345"

// Sim is an in-memory platform used when no real driver is configured and in
// tests. It issues a fixed verification code, synthesizes group members and
// fails every FailEvery-th add with a privacy error so partial-failure paths
// stay exercised.
type Sim struct {
	// Code accepted by VerifyCode. Defaults to DefaultSimCode.
	Code string
	// GroupSize is the number of members synthesized per group. Defaults to 20.
	GroupSize int
	// FailEvery makes every Nth add attempt fail with ErrPrivacyRestricted.
	// Zero disables injected failures. Defaults to 4.
	FailEvery int

	mu        sync.Mutex
	requested map[string]bool
	added     map[string]map[string]bool
	attempts  int
}

// NewSim returns a simulator with the default behavior.
func NewSim() *Sim {
	return &Sim{
		Code:      DefaultSimCode,
		GroupSize: 20,
		FailEvery: 4,
		requested: make(map[string]bool),
		added:     make(map[string]map[string]bool),
	}
}

func (s *Sim) RequestCode(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested[phone] = true
	return nil
}

func (s *Sim) VerifyCode(ctx context.Context, phone, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requested[phone] || code != s.Code {
		return "", ErrInvalidCode
	}
	return "sim-session-" + strings.TrimPrefix(phone, "+"), nil
}

func (s *Sim) ListMembers(ctx context.Context, group, credential string) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(group) == "" {
		return nil, ErrGroupUnavailable
	}
	members := make([]Member, 0, s.GroupSize)
	for i := 0; i < s.GroupSize; i++ {
		id := fmt.Sprintf("user_%d@%s", i, strings.TrimPrefix(group, "@"))
		members = append(members, Member{ID: id, Username: fmt.Sprintf("@user_%d", i)})
	}
	// Members already migrated in this process show up in the target listing.
	for id := range s.added[group] {
		members = append(members, Member{ID: id})
	}
	return members, nil
}

func (s *Sim) AddMember(ctx context.Context, group string, member Member, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.added[group][member.ID] {
		return ErrAlreadyMember
	}
	s.attempts++
	if s.FailEvery > 0 && s.attempts%s.FailEvery == 0 {
		return ErrPrivacyRestricted
	}
	if s.added[group] == nil {
		s.added[group] = make(map[string]bool)
	}
	s.added[group][member.ID] = true
	return nil
}
