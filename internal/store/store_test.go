package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", "test_")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveResultCreatesThenUpdates(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.SaveResult("line1", 10, 10, 0, 0, nil, true))

	sess, err := s.GetCurrentCount("line1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.True(t, sess.Active)
	assert.Equal(t, 10, sess.TotalCount)

	require.NoError(t, s.SaveResult("line1", 14, 15, 2, 1, nil, true))

	again, err := s.GetCurrentCount("line1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID, "update must reuse the active row")
	assert.Equal(t, 14, again.TotalCount)
	assert.Equal(t, 15, again.SourceCount)
	assert.Equal(t, 2, again.DefectsCount)
	assert.Equal(t, 1, again.CorrectCount)
}

func TestCustomFieldsMerge(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.SaveResult("line1", 1, 1, 0, 0, map[string]string{"batch": "A", "shift": "day"}, true))
	require.NoError(t, s.SaveResult("line1", 2, 2, 0, 0, map[string]string{"shift": "night", "operator": "kp"}, true))

	sess, err := s.GetCurrentCount("line1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"batch": "A", "shift": "night", "operator": "kp"}, sess.CustomFields)
}

func TestAtMostOneActivePerLocation(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.SaveResult("line1", 1, 1, 0, 0, nil, true))
	require.NoError(t, s.SaveResult("line1", 2, 2, 0, 0, nil, true))
	require.NoError(t, s.SaveResult("line2", 5, 5, 0, 0, nil, true))

	page, err := s.GetPaginated("line1", 1, 100)
	require.NoError(t, err)
	active := 0
	for _, sess := range page.Results {
		if sess.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestSavePartResultRequiresActive(t *testing.T) {
	s := openTest(t)

	err := s.SavePartResult("line1", 3, 10, 1, 0)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	require.NoError(t, s.SaveResult("line1", 10, 10, 0, 0, nil, true))
	require.NoError(t, s.SavePartResult("line1", 3, 10, 1, 0))
	require.NoError(t, s.SavePartResult("line1", 5, 15, 1, 2))

	sess, err := s.GetCurrentCount("line1")
	require.NoError(t, err)
	require.Len(t, sess.Parts, 2)
	// Most-recent-first.
	assert.Equal(t, 5, sess.Parts[0].Current)
	assert.Equal(t, 3, sess.Parts[1].Current)
	assert.False(t, sess.Parts[0].CreatedAt.Before(sess.Parts[1].CreatedAt))
}

func TestCloseCurrentCountIdempotent(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.SaveResult("line1", 7, 7, 0, 0, nil, true))

	closed, err := s.CloseCurrentCount("line1")
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = s.CloseCurrentCount("line1")
	require.NoError(t, err)
	assert.False(t, closed, "second close is a no-op")

	sess, err := s.GetCurrentCount("line1")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestClosedSessionNotTouchedBySave(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.SaveResult("line1", 7, 7, 0, 0, nil, true))
	first, err := s.GetCurrentCount("line1")
	require.NoError(t, err)

	_, err = s.CloseCurrentCount("line1")
	require.NoError(t, err)

	// The next save opens a fresh session.
	require.NoError(t, s.SaveResult("line1", 1, 1, 0, 0, nil, true))
	second, err := s.GetCurrentCount("line1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := s.GetCount(first.ID)
	require.NoError(t, err)
	assert.False(t, old.Active)
	assert.Equal(t, 7, old.TotalCount)
}

func TestGetCountMissing(t *testing.T) {
	s := openTest(t)
	sess, err := s.GetCount(12345)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestPagination(t *testing.T) {
	s := openTest(t)

	for i := 0; i < 7; i++ {
		require.NoError(t, s.SaveResult("line1", i, i, 0, 0, nil, true))
		_, err := s.CloseCurrentCount("line1")
		require.NoError(t, err)
	}

	page, err := s.GetPaginated("line1", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.Len(t, page.Results, 3)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrev)
	// Newest first.
	assert.Equal(t, 6, page.Results[0].TotalCount)

	page, err = s.GetPaginated("line1", 3, 3)
	require.NoError(t, err)
	assert.Len(t, page.Results, 1)
	assert.False(t, page.HasNext)
	assert.True(t, page.HasPrev)

	// One past the last page: empty, has_next=false.
	page, err = s.GetPaginated("line1", page.TotalPages+1, 3)
	require.NoError(t, err)
	assert.Empty(t, page.Results)
	assert.False(t, page.HasNext)

	// has_next and total_pages must agree at every boundary.
	for p := 1; p <= 4; p++ {
		pg, err := s.GetPaginated("line1", p, 3)
		require.NoError(t, err)
		assert.Equal(t, p < pg.TotalPages, pg.HasNext, "page %d", p)
	}
}
