package telegram

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/vendorcast/internal/models"
)

type fakeBot struct {
	failures int
	calls    int
	sent     []tgbotapi.MessageConfig
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.calls++
	if f.calls <= f.failures {
		return tgbotapi.Message{}, errors.New("rate limited")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func testClient(t *testing.T, bot *fakeBot, retries int) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := newClient(bot, "12345", retries, time.Second)
	require.NoError(t, err)
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }
	return c, &slept
}

func sampleRun(t *testing.T) *models.RunResult {
	t.Helper()
	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	b := models.NewRunBuilder("run-1", []models.EntityKey{"v.1", "v2", "v3"}, start)
	require.NoError(t, b.Record(models.EntityOutcome{
		Key:        "v.1",
		Drift:      models.DriftVerdict{IsDrift: true, PValue: 0.001},
		Validation: models.ValidationVerdict{Passed: true, FailedChecks: []string{}},
		Goal:       &models.GoalProjection{Goal: 1000, Projection: 1200, Gap: 200},
		Backtest:   &models.BacktestScore{Holdout: 50, Metrics: map[string]float64{"mae": 4, "rmse": 6}},
	}))
	require.NoError(t, b.Record(models.EntityOutcome{
		Key:        "v2",
		Validation: models.ValidationVerdict{Passed: false, FailedChecks: []string{"Positive values"}},
		Goal:       &models.GoalProjection{Goal: 1000, Projection: 800, Gap: -200},
		Backtest:   &models.BacktestScore{Holdout: 50, Metrics: map[string]float64{"mae": 2, "rmse": 4}},
	}))
	require.NoError(t, b.Fail(models.EntityFailure{Key: "v3", Stage: models.StageFit, Err: &models.FitError{Reason: "degenerate"}}))
	return b.Finalize(start.Add(90 * time.Second))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"sub-second", 300 * time.Millisecond, "0.3s"},
		{"seconds", 42 * time.Second, "42.0s"},
		{"minutes", 90 * time.Second, "1m30s"},
		{"hours", 2*time.Hour + 5*time.Minute, "2h05m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	assert.Equal(t, `a\_b\*c\.d\!`, escapeMarkdownV2("a_b*c.d!"))
	assert.Equal(t, `\(1\+2\)\=3`, escapeMarkdownV2("(1+2)=3"))
	assert.Equal(t, "plain", escapeMarkdownV2("plain"))
}

func TestFormatSummary(t *testing.T) {
	msg := formatSummary(sampleRun(t))

	assert.Contains(t, msg, "Validated: *1*")
	assert.Contains(t, msg, "Failed validation: *1*")
	assert.Contains(t, msg, "Errored: *1*")
	assert.Contains(t, msg, "v2: Positive values")
	assert.Contains(t, msg, "v3 at fit")
	assert.Contains(t, msg, `v\.1 \(p\=0\.001\)`)
	assert.Contains(t, msg, `v\.1: \+200\.00 of 1000\.00`)
	assert.Contains(t, msg, `v2: \-200\.00 of 1000\.00`)
	assert.Contains(t, msg, "1m30s")
	assert.Contains(t, msg, `Mean MAE: 3\.00 over 2 entities`)
	assert.Contains(t, msg, `Mean RMSE: 5\.00 over 2 entities`)
	assert.Less(t, strings.Index(msg, "Mean MAE"), strings.Index(msg, "Mean RMSE"))
}

func TestFormatSummaryWithoutBacktest(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := models.NewRunBuilder("run-3", []models.EntityKey{"v1"}, start)
	require.NoError(t, b.Record(models.EntityOutcome{
		Key:        "v1",
		Validation: models.ValidationVerdict{Passed: true, FailedChecks: []string{}},
	}))
	assert.NotContains(t, formatSummary(b.Finalize(start)), "Backtest")
}

func TestFormatSummaryCapsLists(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	keys := make([]models.EntityKey, 15)
	for i := range keys {
		keys[i] = models.EntityKey(fmt.Sprintf("e%02d", i))
	}
	b := models.NewRunBuilder("run-2", keys, start)
	for _, k := range keys {
		require.NoError(t, b.Fail(models.EntityFailure{Key: k, Stage: models.StageReference, Err: errors.New("short")}))
	}

	msg := formatSummary(b.Finalize(start))
	assert.Equal(t, maxListed, strings.Count(msg, " at reference"))
	assert.Contains(t, msg, "and 5 more")
}

func TestSendRetries(t *testing.T) {
	bot := &fakeBot{failures: 2}
	c, slept := testClient(t, bot, 3)

	require.NoError(t, c.SendRunSummary(sampleRun(t)))
	assert.Equal(t, 3, bot.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
	require.Len(t, bot.sent, 1)
	assert.Equal(t, "MarkdownV2", bot.sent[0].ParseMode)
	assert.Equal(t, int64(12345), bot.sent[0].ChatID)
}

func TestSendGivesUp(t *testing.T) {
	bot := &fakeBot{failures: 10}
	c, _ := testClient(t, bot, 2)

	err := c.SendRunSummary(sampleRun(t))
	assert.ErrorContains(t, err, "after 2 retries")
	assert.Equal(t, 2, bot.calls)
}

func TestNewClientRejectsBadChatID(t *testing.T) {
	_, err := newClient(&fakeBot{}, "not-a-number", 3, time.Second)
	assert.Error(t, err)
}
