package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSRFTokenIsStableWithinSession(t *testing.T) {
	m := NewCSRFManager("secret")
	ctx := context.Background()
	sess := &Session{ID: "s-1"}

	token, err := m.EnsureToken(ctx, sess)
	require.NoError(t, err)
	again, err := m.EnsureToken(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, token, again)
	assert.NoError(t, m.VerifyToken(ctx, sess, token))
}

func TestCSRFTokenDiesWithRenewal(t *testing.T) {
	m := NewCSRFManager("secret")
	ctx := context.Background()
	sess := &Session{ID: "s-1"}

	token, err := m.EnsureToken(ctx, sess)
	require.NoError(t, err)

	sess.Renew()
	assert.ErrorIs(t, m.VerifyToken(ctx, sess, token), ErrCSRFTokenMissing)

	fresh, err := m.EnsureToken(ctx, sess)
	require.NoError(t, err)
	assert.NotEqual(t, token, fresh)
	assert.ErrorIs(t, m.VerifyToken(ctx, sess, token), ErrCSRFTokenMismatch)
	assert.NoError(t, m.VerifyToken(ctx, sess, fresh))
}

func TestCSRFTokenIsBoundToSessionID(t *testing.T) {
	m := NewCSRFManager("secret")
	ctx := context.Background()
	victim := &Session{ID: "victim"}
	token, err := m.EnsureToken(ctx, victim)
	require.NoError(t, err)

	// A token copied into another session's state does not verify there.
	other := &Session{ID: "other"}
	other.setCSRFToken(token)
	assert.ErrorIs(t, m.VerifyToken(ctx, other, token), ErrCSRFTokenMismatch)

	reissued, err := m.EnsureToken(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, token, reissued)

	forged := NewCSRFManager("other-secret")
	assert.False(t, forged.signedFor("victim", token))
}

func TestCSRFVerifyRejectsMissingAndGarbage(t *testing.T) {
	m := NewCSRFManager("secret")
	ctx := context.Background()
	sess := &Session{ID: "s-1"}
	assert.ErrorIs(t, m.VerifyToken(ctx, sess, "anything"), ErrCSRFTokenMissing)

	_, err := m.EnsureToken(ctx, sess)
	require.NoError(t, err)
	assert.ErrorIs(t, m.VerifyToken(ctx, sess, ""), ErrCSRFTokenMissing)
	assert.ErrorIs(t, m.VerifyToken(ctx, sess, "not-base64!"), ErrCSRFTokenMismatch)
	_, err = m.EnsureToken(ctx, nil)
	assert.Error(t, err)
}

func TestTokenFromRequestPrefersHeader(t *testing.T) {
	form := url.Values{CSRFFormField: {"from-form"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, "from-form", TokenFromRequest(req))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(CSRFHeader, "from-header")
	assert.Equal(t, "from-header", TokenFromRequest(req))
}
