package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/types"
	"gatekeeper/internal/util"
)

func TestInMemoryStore_WriteGetList(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, code := range []string{"", "input_too_long", "rate_limit_user"} {
		_, err := s.Write(ctx, &types.AuditRecord{
			UserID:    "u1",
			Passed:    code == "",
			Code:      code,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	all, err := s.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "rate_limit_user", all[0].Code, "newest first")

	failed := false
	blocked, err := s.List(ctx, &ListFilter{Passed: &failed})
	require.NoError(t, err)
	assert.Len(t, blocked, 2)

	limited, err := s.List(ctx, &ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	got, err := s.Get(ctx, all[1].AuditID)
	require.NoError(t, err)
	assert.Equal(t, "input_too_long", got.Code)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriter_HashesContent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	w := NewWriter(s)

	res := &types.PreflightResult{
		RequestID:   "req-1",
		Passed:      false,
		FailedCheck: "blacklist_keywords",
		Result: &types.CheckResult{
			Code:     "blacklisted_keywords",
			Severity: types.SeverityError,
		},
	}

	id, err := w.WriteFromResult(ctx, Request{UserID: "u1", IP: "1.2.3.4", Content: "secret text"}, res)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "blacklisted_keywords", rec.Code)
	assert.Equal(t, types.SeverityError, rec.Severity)
	assert.Equal(t, util.HashString("secret text"), rec.MessageHash)
	assert.Equal(t, "req-1", rec.RequestID)
}
