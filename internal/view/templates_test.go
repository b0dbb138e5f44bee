package view

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine()
	assert.NoError(t, err, "Templates should parse without error")
	assert.NotNil(t, engine)
}

func TestRenderLogin(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	err = engine.Render(rec, "pages/login.html", TemplateData{Title: "Sign in", CSRFToken: "tok"})
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), "<form")
	assert.Contains(t, rec.Body.String(), `value="tok"`)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestLabelFunc(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, engine.Execute(&buf, "partials/role_badge.html", "in_progress"))
	assert.Contains(t, buf.String(), "In Progress")
}

func TestNilEngine(t *testing.T) {
	var engine *Engine
	assert.Error(t, engine.Execute(&bytes.Buffer{}, "pages/login.html", nil))
}
