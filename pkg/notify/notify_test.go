package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/prodplan-one/copilot-core/pkg/insights"
)

type fakeSanitizer struct{}

func (fakeSanitizer) RedactText(text string) string {
	return strings.ReplaceAll(text, "employee-1234", "[operator:1234]")
}

func TestDeliverDailyFeedback_NoBullets_NoRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C123", fakeSanitizer{}, zap.NewNop())
	err := n.DeliverDailyFeedback(context.Background(), &insights.DailyFeedback{TenantID: "t1"})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestRenderBlocks_SortsBySeverityAndRedacts(t *testing.T) {
	fb := &insights.DailyFeedback{
		TenantID: "t1",
		Date:     "2026-07-30",
		Bullets: []insights.Bullet{
			{Severity: "INFO", Title: "a", Text: "all quiet"},
			{Severity: "CRITICAL", Title: "b", Text: "employee-1234 missed a step"},
		},
	}
	blocks := renderBlocks(fb, fakeSanitizer{})
	require.Len(t, blocks, 2)
	section, ok := blocks[1].(*goslack.SectionBlock)
	require.True(t, ok)
	body := section.Text.Text
	assert.Less(t, strings.Index(body, "[CRITICAL]"), strings.Index(body, "[INFO]"))
	assert.Contains(t, body, "[operator:1234]")
	assert.NotContains(t, body, "employee-1234")
}

func TestDeliverDailyFeedback_LogsOnFailure(t *testing.T) {
	core, recorded := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := &SlackNotifier{
		channelID: "C123",
		sanitizer: fakeSanitizer{},
		logger:    logger,
	}
	n.api = goslack.New("xoxb-test", goslack.OptionAPIURL(srv.URL+"/"))

	err := n.DeliverDailyFeedback(context.Background(), &insights.DailyFeedback{
		TenantID: "t1",
		Bullets:  []insights.Bullet{{Severity: "WARN", Title: "x", Text: "y"}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, recorded.Len())
}
