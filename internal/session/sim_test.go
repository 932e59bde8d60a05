package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimVerifyRequiresIssuedCode(t *testing.T) {
	s := NewSim()
	ctx := context.Background()

	_, err := s.VerifyCode(ctx, "+551199999", DefaultSimCode)
	assert.ErrorIs(t, err, ErrInvalidCode)

	require.NoError(t, s.RequestCode(ctx, "+551199999"))

	_, err = s.VerifyCode(ctx, "+551199999", "00000")
	assert.ErrorIs(t, err, ErrInvalidCode)

	cred, err := s.VerifyCode(ctx, "+551199999", DefaultSimCode)
	require.NoError(t, err)
	assert.NotEmpty(t, cred)
}

func TestSimListMembersDeterministic(t *testing.T) {
	s := NewSim()
	s.GroupSize = 5
	ctx := context.Background()

	members, err := s.ListMembers(ctx, "@grupo", "cred")
	require.NoError(t, err)
	require.Len(t, members, 5)
	assert.Equal(t, "user_0@grupo", members[0].ID)

	_, err = s.ListMembers(ctx, "  ", "cred")
	assert.ErrorIs(t, err, ErrGroupUnavailable)
}

func TestSimAddMemberFailureInjection(t *testing.T) {
	s := NewSim()
	s.FailEvery = 4
	ctx := context.Background()

	var failed int
	for i := 0; i < 8; i++ {
		m := Member{ID: string(rune('a' + i))}
		if err := s.AddMember(ctx, "@dst", m, "cred"); err != nil {
			assert.ErrorIs(t, err, ErrPrivacyRestricted)
			assert.True(t, MemberError(err))
			failed++
		}
	}
	assert.Equal(t, 2, failed)

	// Re-adding a member that made it in reports already-member.
	err := s.AddMember(ctx, "@dst", Member{ID: "a"}, "cred")
	assert.ErrorIs(t, err, ErrAlreadyMember)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, MemberError(ErrAlreadyMember))
	assert.True(t, MemberError(ErrPrivacyRestricted))
	assert.True(t, MemberError(ErrRateLimited))
	assert.False(t, MemberError(ErrSessionInvalid))
	assert.True(t, Fatal(ErrSessionInvalid))
	assert.False(t, Fatal(ErrRateLimited))
}
